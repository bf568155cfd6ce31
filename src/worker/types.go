package worker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/hedge"
	"martingaleexecutor/src/ladder"
	"martingaleexecutor/src/model"
	"martingaleexecutor/src/recovery"
)

// ----- commands -----

type CommandAction string

const (
	CommandClosePosition   CommandAction = "close_position"
	CommandCloseAfterCycle CommandAction = "close_after_cycle"
	CommandCloseWait       CommandAction = "close_wait"
	CommandStatus          CommandAction = "status"
	CommandSetMode         CommandAction = "set_mode"
)

// ParseCommandAction validates an action coming from the control surface.
func ParseCommandAction(s string) (CommandAction, bool) {
	switch a := CommandAction(s); a {
	case CommandClosePosition, CommandCloseAfterCycle, CommandCloseWait, CommandStatus, CommandSetMode:
		return a, true
	}
	return "", false
}

type Command struct {
	Action CommandAction       `json:"action"`
	Mode   model.ExecutionMode `json:"mode,omitempty"`
	// Reply receives the status once the command was handled. Optional, must be buffered.
	Reply chan<- Status `json:"-"`
}

// ----- events -----

type EventType string

const (
	EventRecovered       EventType = "recovered"
	EventCycleStarted    EventType = "cycle_started"
	EventAddFilled       EventType = "add_filled"
	EventCycleCompleted  EventType = "cycle_completed"
	EventModeChanged     EventType = "mode_changed"
	EventStatus          EventType = "status"
	EventCommandRejected EventType = "command_rejected"
	EventSuspended       EventType = "suspended"
	EventStopped         EventType = "stopped"
	EventFatal           EventType = "fatal"
)

type Event struct {
	StrategyKey string             `json:"strategy_key"`
	Type        EventType          `json:"type"`
	Time        time.Time          `json:"time"`
	Message     string             `json:"message,omitempty"`
	Status      *Status            `json:"status,omitempty"`
	Recovery    *recovery.Snapshot `json:"recovery,omitempty"`
}

// Status is the externally visible state of one worker, including a risk view.
type Status struct {
	StrategyKey         string              `json:"strategy_key"`
	Symbol              string              `json:"symbol"`
	Direction           model.Direction     `json:"direction"`
	State               model.WorkerState   `json:"state"`
	Mode                model.ExecutionMode `json:"mode"`
	Position            ladder.Position     `json:"position"`
	ProfitOrderID       string              `json:"profit_order_id,omitempty"`
	ProfitPrice         decimal.Decimal     `json:"profit_price"`
	ProfitSize          decimal.Decimal     `json:"profit_size"`
	LiveAdds            int                 `json:"live_adds"`
	NextLevel           int                 `json:"next_level"`
	LastPrice           decimal.Decimal     `json:"last_price"`
	LiquidationPrice    decimal.Decimal     `json:"liquidation_price"`
	LiquidationDistance decimal.Decimal     `json:"liquidation_distance"`
	CloseAfterCycle     bool                `json:"close_after_cycle"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// ----- collaborators -----

// Hedger forwards option-hedge requests. hedge.Client satisfies it.
type Hedger interface {
	Send(ctx context.Context, req hedge.Request) error
}

// ExceptionSink persists errors worth a post-mortem. repository.ExceptionRepository satisfies it.
type ExceptionSink interface {
	Capture(ctx context.Context, module, method, strategyKey, level string, err error, extra map[string]interface{})
}

// OrderAudit keeps one row per submitted order. repository.OrderRepository satisfies it.
type OrderAudit interface {
	Create(ctx context.Context, order *model.Order) error
	UpdateStatus(ctx context.Context, clientRef string, status model.OrderStatus, reason string) error
}

// Observer receives metric-worthy transitions. metrics.Metrics satisfies it.
type Observer interface {
	OrderPlaced(strategyKey string, role model.Role)
	OrderFailed(strategyKey string, role model.Role)
	SelfHeal(strategyKey, result string)
	PositionChanged(strategyKey string, size, avg decimal.Decimal, addCount int)
	ModeChanged(strategyKey string, mode model.ExecutionMode)
	CycleCompleted(strategyKey string)
}

type noopObserver struct{}

func (noopObserver) OrderPlaced(string, model.Role)                                {}
func (noopObserver) OrderFailed(string, model.Role)                                {}
func (noopObserver) SelfHeal(string, string)                                       {}
func (noopObserver) PositionChanged(string, decimal.Decimal, decimal.Decimal, int) {}
func (noopObserver) ModeChanged(string, model.ExecutionMode)                       {}
func (noopObserver) CycleCompleted(string)                                         {}
