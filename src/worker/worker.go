// Package worker runs the martingale state machine of one (symbol, direction) pair.
//
// A worker owns its PositionState and its tracked orders. Everything it knows
// about the exchange comes through exchange.Client, which is expected to route
// every call through the shared retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/ladder"
	"martingaleexecutor/src/ledger"
	"martingaleexecutor/src/model"
	"martingaleexecutor/src/recovery"
	"martingaleexecutor/src/store"
)

var (
	ErrCommandQueueFull = errors.New("command queue full")
	ErrStopped          = errors.New("worker stopped")
)

const updateBuffer = 64

// Deps are the collaborators of a worker. Only Client, Ledger and Recovery are required.
type Deps struct {
	Client     exchange.Client
	Ledger     *ledger.Ledger
	Recovery   *recovery.Service
	Store      *store.Snapshotter
	Events     chan<- Event
	Hedge      Hedger
	Exceptions ExceptionSink
	Orders     OrderAudit
	Kill       *exchange.KillSwitch
	Observer   Observer
}

// tracked is an order the worker placed and still follows.
type tracked struct {
	OrderID   string
	ClientRef string
	Role      model.Role
	Level     int
	Price     decimal.Decimal
	Size      decimal.Decimal
}

type Worker struct {
	key       string
	symbol    string
	direction model.Direction
	params    ladder.Params
	config    Config
	deps      Deps
	log       *logger.Entry

	commands chan Command
	updates  chan exchange.Order
	done     chan struct{}

	inst  model.Instrument
	state model.WorkerState
	mode  model.ExecutionMode
	pos   ladder.Position

	plan           ladder.Plan
	anchor         decimal.Decimal
	lastLevel      int
	lastLevelPrice decimal.Decimal

	adds      map[string]*tracked
	profit    *tracked
	openOrder *tracked

	closeAfterCycle bool
	pendingNewCycle bool
	resumeMode      model.ExecutionMode

	hedgeOpen    bool
	putClosed    bool
	lastAudit    time.Time
	lastMaintain time.Time

	now func() time.Time

	statusMu sync.RWMutex
	status   Status
}

func New(symbol string, params ladder.Params, config Config, deps Deps) (*Worker, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", symbol, err)
	}
	if deps.Client == nil || deps.Ledger == nil || deps.Recovery == nil {
		return nil, errors.New("worker needs an exchange client, a ledger and a recovery service")
	}
	if err := deps.Ledger.CheckSymbol(symbol, params.MaxAddLevels, 6); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", symbol, err)
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	config = config.withDefaults()

	key := model.StrategyKey(symbol, params.Direction)
	w := &Worker{
		key:       key,
		symbol:    symbol,
		direction: params.Direction,
		params:    params,
		config:    config,
		deps:      deps,
		log: logger.WithFields(map[string]interface{}{
			"strategy":  key,
			"symbol":    symbol,
			"direction": params.Direction,
		}),
		commands: make(chan Command, config.CommandBuffer),
		updates:  make(chan exchange.Order, updateBuffer),
		done:     make(chan struct{}),
		state:    model.StateInitializing,
		mode:     model.ModeNormal,
		adds:     map[string]*tracked{},
		now:      time.Now,
	}
	w.refreshStatus()
	return w, nil
}

func (w *Worker) Key() string { return w.key }

// Send queues a command without blocking.
func (w *Worker) Send(cmd Command) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("%s: %w", w.key, ErrCommandQueueFull)
	}
}

// Notify hands a pushed order update to the worker. Updates are dropped when the
// buffer is full; the next poll picks the change up anyway.
func (w *Worker) Notify(order exchange.Order) {
	select {
	case w.updates <- order:
	default:
		w.log.WithField("orderId", order.OrderID).Debug("Update buffer full, leaving it to the poll")
	}
}

// Status returns the last published status.
func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

// Run drives the state machine until the worker stops, ctx is done or a fatal error occurs.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	if err := w.initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.fail(ctx, "initialize", err)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.step(ctx); err != nil {
			return err
		}
		if w.state == model.StateStopped {
			w.emit(EventStopped, "worker stopped", nil)
			return nil
		}

		select {
		case <-ctx.Done():
			w.persist(context.WithoutCancel(ctx), true)
			w.log.WithError(context.Cause(ctx)).Info("Worker stopped by context")
			return nil
		case <-ticker.C:
		case order := <-w.updates:
			if err := w.handle(ctx, "onOrder", w.onOrder(ctx, order)); err != nil {
				return err
			}
		}
	}
}

// step drains the command queue and advances the state machine once.
func (w *Worker) step(ctx context.Context) error {
	w.drainCommands(ctx)

	var err error
	switch w.state {
	case model.StateOpening:
		err = w.open(ctx)
	case model.StateActive:
		err = w.tick(ctx)
	case model.StateWindingDown:
		err = w.windDown(ctx)
	}
	w.refreshStatus()
	return w.handle(ctx, string(w.state), err)
}

// handle sorts an error into the taxonomy. Only fatal errors stop the worker.
func (w *Worker) handle(ctx context.Context, method string, err error) error {
	switch {
	case err == nil:
		return nil
	case exchange.IsFatal(err):
		return w.fail(ctx, method, err)
	case ctx.Err() != nil:
		return nil
	case exchange.IsInconsistency(err):
		w.capture(ctx, method, "error", err)
		w.suspend(ctx, err.Error())
		return nil
	default:
		w.log.WithField("method", method).WithError(err).Warn("Worker step failed, will retry on next tick")
		return nil
	}
}

func (w *Worker) fail(ctx context.Context, method string, err error) error {
	w.capture(ctx, method, "fatal", err)
	w.emit(EventFatal, err.Error(), nil)
	if exchange.IsFatal(err) {
		w.deps.Kill.Trip(err)
	}
	w.log.WithField("method", method).WithError(err).Error("Worker halted")
	return fmt.Errorf("%s: %w", w.key, err)
}

func (w *Worker) capture(ctx context.Context, method, level string, err error) {
	if w.deps.Exceptions == nil {
		return
	}
	w.deps.Exceptions.Capture(ctx, "worker", method, w.key, level, err, map[string]interface{}{
		"state":    w.state,
		"mode":     w.mode,
		"size":     w.pos.Size.String(),
		"avg":      w.pos.AvgCost.String(),
		"addCount": w.pos.AddCount,
	})
}

func (w *Worker) suspend(ctx context.Context, reason string) {
	if w.mode == model.ModeSuspended {
		return
	}
	w.setMode(model.ModeSuspended)
	w.emit(EventSuspended, reason, nil)
	w.persist(ctx, true)
}

// ----- initialization -----

var modeRank = map[model.ExecutionMode]int{
	model.ModeNormal:        0,
	model.ModePositionOnly:  1,
	model.ModeEmergencyExit: 2,
	model.ModeSuspended:     3,
}

// stricter returns the more restrictive of two modes. Unknown modes lose.
func stricter(a, b model.ExecutionMode) model.ExecutionMode {
	ra, okA := modeRank[a]
	rb, okB := modeRank[b]
	switch {
	case !okA:
		return b
	case !okB:
		return a
	case rb > ra:
		return b
	}
	return a
}

func (w *Worker) initialize(ctx context.Context) error {
	inst, err := w.deps.Client.GetInstrument(ctx, w.symbol)
	if err != nil {
		return fmt.Errorf("instrument %s: %w", w.symbol, err)
	}
	w.inst = inst

	var (
		cached    *recovery.Cached
		persisted model.ExecutionMode
	)
	if w.deps.Store != nil {
		rec, err := w.deps.Store.Load(ctx, w.key)
		if err != nil {
			w.log.WithError(err).Warn("Could not load strategy snapshot, recovering from exchange only")
		}
		if rec != nil {
			cached = &recovery.Cached{
				PositionSize: rec.PositionSize,
				AvgPrice:     rec.AvgPrice,
				AddCount:     rec.AddCount,
				UpdatedAt:    rec.UpdatedAt,
			}
			persisted = rec.ExecutionMode
		}
	}

	snap, err := w.deps.Recovery.Reconcile(ctx, w.symbol, w.direction, inst, cached)
	if err != nil {
		return err
	}
	mode, applyErr := w.deps.Recovery.Apply(ctx, &snap)
	if applyErr != nil {
		if exchange.IsFatal(applyErr) {
			return applyErr
		}
		w.capture(ctx, "initialize", "error", applyErr)
	}
	w.emit(EventRecovered, string(snap.Action), &snap)

	suspend := snap.Action == recovery.ActionInvalid ||
		(!snap.Consistent && snap.Confidence < w.config.SuspendConfidence)
	if suspend {
		mode = model.ModeSuspended
		w.capture(ctx, "initialize", "error", &exchange.DataInconsistencyError{StrategyKey: w.key, Reason: snap.Reason})
	}
	w.setMode(stricter(mode, persisted))
	w.resumeMode = stricter(model.ModeNormal, persisted)
	w.hydrate(snap, cached)
	if w.mode == model.ModeSuspended {
		w.pendingNewCycle = false
	}

	w.deps.Observer.ModeChanged(w.key, w.mode)
	w.lastAudit = w.now()
	w.lastMaintain = w.now()

	w.log.WithFields(map[string]interface{}{
		"action":     snap.Action,
		"confidence": snap.Confidence,
		"state":      w.state,
		"mode":       w.mode,
		"size":       w.pos.Size.String(),
		"avg":        w.pos.AvgCost.String(),
		"addCount":   w.pos.AddCount,
	}).Info("Worker initialized")
	w.refreshStatus()
	return nil
}

// hydrate rebuilds the in-memory cycle from a recovery snapshot.
func (w *Worker) hydrate(snap recovery.Snapshot, cached *recovery.Cached) {
	switch snap.Action {
	case recovery.ActionInvalid:
		w.state = model.StateActive
		return
	case recovery.ActionCancelOrders:
		w.state = model.StateActive
		w.pendingNewCycle = true
		return
	case recovery.ActionNewCycle:
		w.state = model.StateOpening
		if w.mode == model.ModeEmergencyExit {
			w.state = model.StateWindingDown
		}
		return
	}

	addCount := snap.InferredAddCount
	if !snap.ExchangeVerified && cached != nil {
		addCount = cached.AddCount
	}
	if addCount > w.params.MaxAddLevels {
		addCount = w.params.MaxAddLevels
	}
	margin := w.params.FirstMargin
	for i := 1; i <= addCount; i++ {
		margin = margin.Add(ladder.LevelMargin(w.params, i))
	}
	w.pos = ladder.Position{
		AvgCost:    snap.Position.AvgPrice,
		Size:       snap.Position.Size,
		AddCount:   addCount,
		MarginUsed: margin,
	}

	w.anchor = snap.Anchor
	if w.anchor.IsPositive() {
		if plan, err := ladder.Build(w.params, w.inst, w.anchor); err == nil {
			w.plan = plan
		}
	}
	w.lastLevel = snap.LastLevel
	w.lastLevelPrice = snap.LastLevelPrice
	if w.lastLevel == 0 {
		w.lastLevelPrice = w.anchor
		if !w.lastLevelPrice.IsPositive() {
			w.lastLevelPrice = snap.Position.AvgPrice
		}
	}

	for _, o := range snap.LiveOrders {
		ref := w.deps.Ledger.Parse(o.ClientRef)
		if ref == nil {
			continue
		}
		t := &tracked{OrderID: o.OrderID, ClientRef: o.ClientRef, Role: ref.Role, Level: ref.Level, Price: o.Price, Size: o.Size}
		switch ref.Role {
		case model.RoleAdd:
			w.adds[o.OrderID] = t
		case model.RoleProfit:
			w.profit = t
		}
	}

	w.state = model.StateActive
	if w.mode == model.ModeEmergencyExit {
		w.state = model.StateWindingDown
	}
	w.deps.Observer.PositionChanged(w.key, w.pos.Size, w.pos.AvgCost, w.pos.AddCount)
}

// ----- commands -----

func (w *Worker) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-w.commands:
			w.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) {
	log := w.log.WithField("command", cmd.Action)

	switch cmd.Action {
	case CommandClosePosition:
		if !w.mode.CanTrade() {
			log.Warn("Refusing to close a suspended strategy")
			w.emit(EventCommandRejected, "strategy is suspended", nil)
			break
		}
		if w.state != model.StateStopped {
			w.state = model.StateWindingDown
		}
		log.Info("Closing position now")

	case CommandCloseAfterCycle, CommandCloseWait:
		w.closeAfterCycle = true
		if w.state == model.StateOpening {
			w.state = model.StateWindingDown
		}
		log.Info("Position will close after the current cycle")

	case CommandSetMode:
		mode, err := model.ParseExecutionMode(string(cmd.Mode))
		if err != nil {
			log.WithError(err).Warn("Invalid mode")
			w.emit(EventCommandRejected, err.Error(), nil)
			break
		}
		w.pendingNewCycle = false
		w.setMode(mode)
		switch {
		case mode == model.ModeEmergencyExit && w.state != model.StateStopped:
			w.state = model.StateWindingDown
		case mode.CanOpen() && w.state == model.StateActive && w.pos.Empty():
			w.state = model.StateOpening
		}
		w.persist(ctx, true)
		log.WithField("mode", mode).Info("Execution mode changed")

	case CommandStatus:
		// answered below

	default:
		log.Warn("Unknown command")
		w.emit(EventCommandRejected, fmt.Sprintf("unknown command %q", cmd.Action), nil)
	}

	status := w.statusWithRisk(ctx)
	if cmd.Action == CommandStatus {
		w.emit(EventStatus, "", &status)
	}
	if cmd.Reply != nil {
		select {
		case cmd.Reply <- status:
		default:
		}
	}
}

func (w *Worker) setMode(mode model.ExecutionMode) {
	if w.mode == mode {
		return
	}
	prev := w.mode
	w.mode = mode
	w.deps.Observer.ModeChanged(w.key, mode)
	w.emit(EventModeChanged, fmt.Sprintf("%s -> %s", prev, mode), nil)
}

// ----- status, events, persistence -----

func (w *Worker) buildStatus() Status {
	s := Status{
		StrategyKey:     w.key,
		Symbol:          w.symbol,
		Direction:       w.direction,
		State:           w.state,
		Mode:            w.mode,
		Position:        w.pos,
		LiveAdds:        len(w.adds),
		CloseAfterCycle: w.closeAfterCycle,
		UpdatedAt:       w.now(),
	}
	if w.lastLevel < w.params.MaxAddLevels && !w.pos.Empty() {
		s.NextLevel = w.lastLevel + 1
	}
	if w.profit != nil {
		s.ProfitOrderID = w.profit.OrderID
		s.ProfitPrice = w.profit.Price
		s.ProfitSize = w.profit.Size
	}
	if !w.pos.Empty() {
		s.LiquidationPrice = ladder.LiquidationPrice(
			w.pos.AvgCost, w.pos.Size, ladder.BudgetMargin(w.params), w.inst.ContractValue, w.direction,
		)
	}
	return s
}

func (w *Worker) refreshStatus() {
	s := w.buildStatus()
	w.statusMu.Lock()
	s.LastPrice = w.status.LastPrice
	s.LiquidationDistance = ladder.DistanceToLiquidation(s.LiquidationPrice, s.LastPrice)
	w.status = s
	w.statusMu.Unlock()
}

// statusWithRisk refreshes the last price before building the status.
func (w *Worker) statusWithRisk(ctx context.Context) Status {
	s := w.buildStatus()
	if price, err := w.deps.Client.LastPrice(ctx, w.symbol); err == nil {
		s.LastPrice = price
	} else {
		w.log.WithError(err).Debug("Last price unavailable for status")
		s.LastPrice = w.Status().LastPrice
	}
	s.LiquidationDistance = ladder.DistanceToLiquidation(s.LiquidationPrice, s.LastPrice)

	w.statusMu.Lock()
	w.status = s
	w.statusMu.Unlock()
	return s
}

func (w *Worker) emit(t EventType, message string, payload interface{}) {
	if w.deps.Events == nil {
		return
	}
	ev := Event{StrategyKey: w.key, Type: t, Time: w.now(), Message: message}
	switch p := payload.(type) {
	case *Status:
		ev.Status = p
	case *recovery.Snapshot:
		ev.Recovery = p
	}
	select {
	case w.deps.Events <- ev:
	default:
		w.log.WithField("event", t).Warn("Event channel full, dropping event")
	}
}

func (w *Worker) record() store.Record {
	ids := w.deps.Ledger.Active(w.key)
	sort.Strings(ids)
	return store.Record{
		StrategyKey:    w.key,
		Symbol:         w.symbol,
		Direction:      w.direction,
		Params:         w.params,
		AvgPrice:       w.pos.AvgCost,
		PositionSize:   w.pos.Size,
		AddCount:       w.pos.AddCount,
		ExecutionMode:  w.mode,
		ActiveOrderIDs: ids,
		UpdatedAt:      w.now(),
	}
}

// persist writes an advisory snapshot. Failures are logged by the store and never stop trading.
func (w *Worker) persist(ctx context.Context, force bool) {
	if w.deps.Store == nil {
		return
	}
	if force {
		_ = w.deps.Store.Force(ctx, w.record())
		return
	}
	_, _ = w.deps.Store.Save(ctx, w.record())
}
