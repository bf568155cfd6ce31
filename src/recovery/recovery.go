// Package recovery rebuilds a strategy's view of the world from exchange truth.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/ledger"
	"martingaleexecutor/src/model"
)

type Action string

const (
	ActionContinue     Action = "CONTINUE"
	ActionResetSell    Action = "RESET_SELL"
	ActionCancelOrders Action = "CANCEL_ORDERS"
	ActionNewCycle     Action = "NEW_CYCLE"
	ActionInvalid      Action = "INVALID"
)

// Cached is the advisory state loaded from the store before recovery runs.
type Cached struct {
	PositionSize decimal.Decimal
	AvgPrice     decimal.Decimal
	AddCount     int
	UpdatedAt    time.Time
}

// Snapshot is the result of one recovery pass. It is not retained.
type Snapshot struct {
	StrategyKey      string            `json:"strategy_key"`
	Position         exchange.Position `json:"position"`
	ExchangeVerified bool              `json:"exchange_verified"`
	FilledVolume     decimal.Decimal   `json:"filled_volume"`
	// Residual is the lot a filled PROFIT leaves open from the previous cycle.
	Residual         decimal.Decimal `json:"residual"`
	InferredAddCount int             `json:"inferred_add_count"`
	LiveOrderIDs     []string        `json:"live_order_ids"`
	Action           Action          `json:"recovery_action"`
	Confidence       float64         `json:"confidence"`
	Consistent       bool            `json:"consistent"`
	Reason           string          `json:"reason,omitempty"`
	Since            time.Time       `json:"since"`

	// Anchor is the OPEN fill price of the current cycle, zero when unknown.
	Anchor decimal.Decimal `json:"anchor"`
	// LastLevel is the deepest ADD level filled or still live in the current cycle.
	LastLevel      int             `json:"last_level"`
	LastLevelPrice decimal.Decimal `json:"last_level_price"`

	LiveOrders   []exchange.Order `json:"-"`
	ProfitOrder  *exchange.Order  `json:"-"`
	StaleProfits []exchange.Order `json:"-"`

	hasPosition bool
}

// HasPosition reports a tradable position, i.e. more than the minimum lot.
func (s Snapshot) HasPosition() bool {
	return s.hasPosition
}

type Service struct {
	client exchange.Client
	ledger *ledger.Ledger
	config Config
	now    func() time.Time
}

func NewService(client exchange.Client, l *ledger.Ledger, config Config) *Service {
	if config.Lookback <= 0 {
		config.Lookback = 48 * time.Hour
	}
	if config.MinLookback <= 0 || config.MinLookback > config.Lookback {
		config.MinLookback = config.Lookback / 2
	}
	if config.Tolerance <= 0 {
		config.Tolerance = 0.10
	}
	return &Service{client: client, ledger: l, config: config, now: time.Now}
}

// Since returns the start of the history scan: the time since the last snapshot,
// clamped to [MinLookback, Lookback].
func (s *Service) Since(cached *Cached) time.Time {
	now := s.now()
	window := s.config.Lookback
	if cached != nil && !cached.UpdatedAt.IsZero() {
		window = now.Sub(cached.UpdatedAt)
		if window < s.config.MinLookback {
			window = s.config.MinLookback
		}
		if window > s.config.Lookback {
			window = s.config.Lookback
		}
	}
	return now.Add(-window)
}

// Reconcile reads the position and the owned order history and picks a recovery action.
// It places and cancels nothing.
func (s *Service) Reconcile(ctx context.Context, symbol string, direction model.Direction, inst model.Instrument, cached *Cached) (Snapshot, error) {
	key := model.StrategyKey(symbol, direction)
	snap := Snapshot{StrategyKey: key, Since: s.Since(cached)}

	log := logger.WithFields(map[string]interface{}{
		"strategy": key,
		"op":       "Reconcile",
	})

	pos, err := s.client.GetPosition(ctx, symbol, direction)
	switch {
	case err == nil:
		snap.Position = pos
		snap.ExchangeVerified = true
	case exchange.IsFatal(err) || ctx.Err() != nil || cached == nil:
		return snap, fmt.Errorf("read position %s: %w", key, err)
	default:
		log.WithError(err).Warn("Live position read failed, using cached snapshot")
		snap.Position = exchange.Position{
			Symbol:    symbol,
			Direction: direction,
			Size:      cached.PositionSize,
			AvgPrice:  cached.AvgPrice,
			AccountID: s.ledger.AccountID(),
		}
	}

	orders, err := s.ownedOrders(ctx, symbol, key, snap.Since)
	if err != nil {
		return snap, err
	}
	s.scan(&snap, orders, inst)

	snap.hasPosition = snap.Position.Size.GreaterThan(inst.MinLot)
	snap.Consistent, snap.Reason = s.consistency(snap)

	mismatch := snap.Position.Size.IsPositive() &&
		snap.Position.Direction != "" &&
		snap.Position.Direction != direction
	if mismatch {
		snap.Consistent = false
		snap.Reason = fmt.Sprintf("exchange position is %s, strategy is %s", snap.Position.Direction, direction)
	}

	snap.Action = chooseAction(snap.hasPosition, snap.ProfitOrder != nil, mismatch)
	snap.Confidence = confidence(snap.Action, snap.ExchangeVerified, snap.Consistent)

	log.WithFields(map[string]interface{}{
		"position":   snap.Position.Size.String(),
		"filled":     snap.FilledVolume.String(),
		"residual":   snap.Residual.String(),
		"addCount":   snap.InferredAddCount,
		"liveOrders": len(snap.LiveOrders),
		"action":     snap.Action,
		"confidence": snap.Confidence,
		"verified":   snap.ExchangeVerified,
		"consistent": snap.Consistent,
	}).Info("Recovery snapshot")

	return snap, nil
}

// ownedOrders merges history and open orders, keeps only this strategy's orders,
// and feeds every reference to the ledger sequence.
func (s *Service) ownedOrders(ctx context.Context, symbol, key string, since time.Time) ([]exchange.Order, error) {
	history, err := s.client.OrderHistory(ctx, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("order history %s: %w", key, err)
	}
	open, err := s.client.ListOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", key, err)
	}

	seen := map[string]bool{}
	var out []exchange.Order
	// open orders are the fresher view of a working order
	for _, o := range append(open, history...) {
		if seen[o.OrderID] {
			continue
		}
		seen[o.OrderID] = true

		s.ledger.Observe(o.ClientRef)
		if !s.ledger.IsMine(o) {
			continue
		}
		ref := s.ledger.Parse(o.ClientRef)
		if ref == nil || ref.StrategyKey() != key {
			continue
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool {
		return s.seq(out[i]) < s.seq(out[j])
	})
	return out, nil
}

func (s *Service) seq(o exchange.Order) uint64 {
	if ref := s.ledger.Parse(o.ClientRef); ref != nil {
		return ref.Seq
	}
	return 0
}

// scan walks owned orders in sequence order. An order belongs to the current cycle when
// its sequence is above the last filled PROFIT or CLOSE.
func (s *Service) scan(snap *Snapshot, orders []exchange.Order, inst model.Instrument) {
	var cycleEnd uint64
	var endRole model.Role
	for _, o := range orders {
		role := s.ledger.Classify(o)
		if (role == model.RoleProfit || role == model.RoleClose) && o.Status == model.OrderStatusFilled {
			cycleEnd = s.seq(o)
			endRole = role
		}
	}

	prior := decimal.Zero
	net := decimal.Zero
	var profits []exchange.Order
	for _, o := range orders {
		ref := s.ledger.Parse(o.ClientRef)
		working := o.Status.Working()

		if working {
			snap.LiveOrders = append(snap.LiveOrders, o)
			snap.LiveOrderIDs = append(snap.LiveOrderIDs, o.OrderID)
		}
		if ref.Role == model.RoleProfit && !o.Status.Final() {
			profits = append(profits, o)
		}
		if ref.Seq <= cycleEnd {
			switch ref.Role {
			case model.RoleOpen, model.RoleAdd:
				prior = prior.Add(o.FilledSize)
			case model.RoleProfit, model.RoleClose:
				prior = prior.Sub(o.FilledSize)
			}
			if prior.IsNegative() {
				prior = decimal.Zero
			}
			continue
		}

		switch ref.Role {
		case model.RoleOpen:
			net = net.Add(o.FilledSize)
			if o.FilledSize.IsPositive() {
				snap.Anchor = fillPrice(o)
			}
		case model.RoleAdd:
			net = net.Add(o.FilledSize)
			if o.Status == model.OrderStatusFilled {
				snap.InferredAddCount++
			}
			if (o.Status == model.OrderStatusFilled || working) && ref.Level > snap.LastLevel {
				snap.LastLevel = ref.Level
				snap.LastLevelPrice = o.Price
			}
		case model.RoleProfit, model.RoleClose:
			net = net.Sub(o.FilledSize)
		}
	}
	if net.IsNegative() {
		net = decimal.Zero
	}
	snap.FilledVolume = net

	if endRole == model.RoleProfit {
		snap.Residual = prior
		if !prior.IsPositive() {
			snap.Residual = inst.MinLot
		}
	}

	// newest working PROFIT wins, the rest are stale
	for i := len(profits) - 1; i >= 0; i-- {
		o := profits[i]
		if snap.ProfitOrder == nil && o.Status.Working() {
			p := o
			snap.ProfitOrder = &p
			continue
		}
		snap.StaleProfits = append(snap.StaleProfits, o)
	}
}

// consistency compares the position with the net filled volume of the cycle plus the
// residual of the previous one. The position may sit anywhere in [filled, filled+residual];
// outside that range it must be within tolerance*position of the nearest bound.
func (s *Service) consistency(snap Snapshot) (bool, string) {
	pos := snap.Position.Size
	low := snap.FilledVolume
	high := low.Add(snap.Residual)

	diff := decimal.Zero
	switch {
	case pos.LessThan(low):
		diff = low.Sub(pos)
	case pos.GreaterThan(high):
		diff = pos.Sub(high)
	}
	band := pos.Mul(decimal.NewFromFloat(s.config.Tolerance))
	if diff.GreaterThan(band) {
		return false, fmt.Sprintf("position %s vs filled %s (+%s residual) exceeds tolerance %s", pos, low, snap.Residual, band)
	}
	return true, ""
}

func fillPrice(o exchange.Order) decimal.Decimal {
	if o.AvgFillPrice.IsPositive() {
		return o.AvgFillPrice
	}
	return o.Price
}

func chooseAction(hasPosition, liveProfit, mismatch bool) Action {
	switch {
	case mismatch:
		return ActionInvalid
	case hasPosition && liveProfit:
		return ActionContinue
	case hasPosition:
		return ActionResetSell
	case liveProfit:
		return ActionCancelOrders
	default:
		return ActionNewCycle
	}
}

func confidence(action Action, verified, consistent bool) float64 {
	if action == ActionInvalid {
		return 0.1
	}
	c := 0.1
	if verified {
		c += 0.3
	}
	if consistent {
		c += 0.6
	}
	if action == ActionCancelOrders {
		c *= 0.8
	}
	return math.Round(c*100) / 100
}

// Apply performs the cancellations an action needs and registers the surviving orders
// in the ledger. It returns the execution mode the worker must adopt. It never places orders.
func (s *Service) Apply(ctx context.Context, snap *Snapshot) (model.ExecutionMode, error) {
	symbol := snap.Position.Symbol
	if symbol == "" {
		symbol, _, _ = model.SplitStrategyKey(snap.StrategyKey)
	}

	var cancel []exchange.Order
	mode := model.ModeNormal

	switch snap.Action {
	case ActionInvalid:
		logger.WithFields(map[string]interface{}{
			"strategy": snap.StrategyKey,
			"reason":   snap.Reason,
		}).Error("Recovery found an invalid state, strategy suspended")
		return model.ModeSuspended, nil
	case ActionContinue:
		cancel = snap.StaleProfits
	case ActionResetSell:
		cancel = snap.StaleProfits
	case ActionCancelOrders:
		cancel = snap.LiveOrders
		mode = model.ModePositionOnly
	case ActionNewCycle:
		cancel = append(append([]exchange.Order{}, snap.LiveOrders...), snap.StaleProfits...)
	}

	cancelled := map[string]bool{}
	var errs []error
	for _, o := range cancel {
		if cancelled[o.OrderID] {
			continue
		}
		if err := s.client.CancelOrder(ctx, symbol, exchange.OrderQuery{OrderID: o.OrderID}); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s (%s): %w", o.OrderID, o.ClientRef, err))
			continue
		}
		cancelled[o.OrderID] = true
		s.ledger.Unregister(o.OrderID)
	}
	if len(errs) > 0 {
		return model.ModeSuspended, errors.Join(errs...)
	}

	var live []exchange.Order
	for _, o := range snap.LiveOrders {
		if cancelled[o.OrderID] {
			continue
		}
		ref := s.ledger.Parse(o.ClientRef)
		if err := s.ledger.Register(o.OrderID, snap.StrategyKey, ref.Role, ref.Seq); err != nil {
			return model.ModeSuspended, err
		}
		live = append(live, o)
	}
	snap.LiveOrders = live
	snap.StaleProfits = nil

	logger.WithFields(map[string]interface{}{
		"strategy":  snap.StrategyKey,
		"action":    snap.Action,
		"cancelled": len(cancelled),
		"kept":      len(live),
		"mode":      mode,
	}).Info("Recovery action applied")

	return mode, nil
}
