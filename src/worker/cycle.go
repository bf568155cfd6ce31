package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/hedge"
	"martingaleexecutor/src/ladder"
	"martingaleexecutor/src/model"
)

const (
	healNoop     = "noop"
	healReplaced = "replaced"
	healSkipped  = "skipped"
)

func fillPrice(o exchange.Order) decimal.Decimal {
	if o.AvgFillPrice.IsPositive() {
		return o.AvgFillPrice
	}
	return o.Price
}

func filledSize(o exchange.Order, fallback decimal.Decimal) decimal.Decimal {
	if o.FilledSize.IsPositive() {
		return o.FilledSize
	}
	return fallback
}

// ----- order submission -----

// place submits req, writes the audit row and registers the order in the ledger.
func (w *Worker) place(ctx context.Context, req exchange.OrderRequest, role model.Role, level int) (exchange.OrderAck, error) {
	ack, err := w.deps.Client.PlaceOrder(ctx, req)
	if err != nil && (role == model.RoleOpen || role == model.RoleAdd) {
		if adopted, ok := w.adopt(ctx, req, err); ok {
			ack, err = adopted, nil
		}
	}

	row := &model.Order{
		AccountID:   w.deps.Ledger.AccountID(),
		StrategyKey: w.key,
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		PosSide:     w.direction.Upper(),
		OrderType:   string(req.Type),
		Role:        role,
		LevelIndex:  level,
		ClientRef:   req.ClientRef,
		Quantity:    req.Size,
		Price:       req.Price,
		Status:      model.OrderStatusLive,
	}
	if err != nil {
		row.Status = model.OrderStatusRejected
		row.Reason = truncate(err.Error(), 255)
	} else {
		row.ExchangeOrderID = ack.OrderID
	}
	w.recordOrder(ctx, row)

	log := w.log.WithFields(map[string]interface{}{
		"role":      role,
		"level":     level,
		"clientRef": req.ClientRef,
		"type":      req.Type,
		"price":     req.Price.String(),
		"size":      req.Size.String(),
	})
	if err != nil {
		w.deps.Observer.OrderFailed(w.key, role)
		log.WithError(err).Warn("Order submission failed")
		return ack, err
	}

	var seq uint64
	if ref := w.deps.Ledger.Parse(req.ClientRef); ref != nil {
		seq = ref.Seq
	}
	if err := w.deps.Ledger.Register(ack.OrderID, w.key, role, seq); err != nil {
		return ack, &exchange.DataInconsistencyError{StrategyKey: w.key, Reason: err.Error()}
	}
	w.deps.Observer.OrderPlaced(w.key, role)
	log.WithField("orderId", ack.OrderID).Info("Order placed")
	return ack, nil
}

// adopt looks for the order behind a failed submission. A request retried after a lost
// response comes back as a duplicate reference although the first attempt is on the book.
// PROFIT orders are excluded: their duplicate path cancels and resubmits.
func (w *Worker) adopt(ctx context.Context, req exchange.OrderRequest, cause error) (exchange.OrderAck, bool) {
	if exchange.IsFatal(cause) || exchange.IsInconsistency(cause) || ctx.Err() != nil {
		return exchange.OrderAck{}, false
	}
	if exchange.IsReject(cause) && !exchange.IsDuplicateReject(cause) {
		return exchange.OrderAck{}, false
	}
	o, err := w.deps.Client.GetOrder(ctx, req.Symbol, exchange.OrderQuery{ClientRef: req.ClientRef})
	if err != nil || o.OrderID == "" || o.ClientRef != req.ClientRef || !w.deps.Ledger.IsMine(o) {
		return exchange.OrderAck{}, false
	}
	w.log.WithFields(map[string]interface{}{
		"clientRef": req.ClientRef,
		"orderId":   o.OrderID,
		"status":    o.Status,
	}).WithError(cause).Warn("Submission failed but the order reached the book, adopting it")
	return exchange.OrderAck{OrderID: o.OrderID, ClientRef: o.ClientRef}, true
}

func (w *Worker) recordOrder(ctx context.Context, row *model.Order) {
	if w.deps.Orders == nil {
		return
	}
	if err := w.deps.Orders.Create(ctx, row); err != nil {
		// a retried reference already has its row
		if uErr := w.deps.Orders.UpdateStatus(ctx, row.ClientRef, row.Status, row.Reason); uErr != nil {
			w.log.WithError(err).Warn("Could not write order audit row")
		}
	}
}

func (w *Worker) auditStatus(ctx context.Context, clientRef string, status model.OrderStatus) {
	if w.deps.Orders == nil || clientRef == "" {
		return
	}
	if err := w.deps.Orders.UpdateStatus(ctx, clientRef, status, ""); err != nil {
		w.log.WithField("clientRef", clientRef).WithError(err).Debug("Order audit status not updated")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// cancel removes a tracked order from the book and from the ledger.
func (w *Worker) cancel(ctx context.Context, t *tracked) error {
	if err := w.deps.Client.CancelOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: t.OrderID}); err != nil {
		return fmt.Errorf("cancel %s %s: %w", t.Role, t.ClientRef, err)
	}
	w.deps.Ledger.Unregister(t.OrderID)
	w.auditStatus(ctx, t.ClientRef, model.OrderStatusCanceled)
	return nil
}

// ----- OPENING -----

func (w *Worker) open(ctx context.Context) error {
	if !w.mode.CanOpen() {
		return nil
	}
	if w.closeAfterCycle {
		w.state = model.StateWindingDown
		return nil
	}

	if w.openOrder == nil {
		price, err := w.deps.Client.LastPrice(ctx, w.symbol)
		if err != nil {
			return fmt.Errorf("last price: %w", err)
		}
		size := ladder.OpenSize(w.params, w.inst, price)
		if !size.IsPositive() {
			return fmt.Errorf("open size for %s at %s is zero", w.symbol, price)
		}

		ref := w.deps.Ledger.GenerateReference(w.symbol, model.RoleOpen, w.direction, 0)
		req := exchange.OrderRequest{
			Symbol:    w.symbol,
			Side:      exchange.OpenSide(w.direction),
			Direction: w.direction,
			Type:      exchange.OrderTypeMarket,
			Size:      size,
			ClientRef: ref,
		}
		ack, err := w.place(ctx, req, model.RoleOpen, 0)
		if err != nil {
			return err
		}
		w.openOrder = &tracked{OrderID: ack.OrderID, ClientRef: ref, Role: model.RoleOpen, Price: price, Size: size}
	}

	o, err := w.deps.Client.GetOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: w.openOrder.OrderID})
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return err
	}
	switch {
	case err == nil && o.Status == model.OrderStatusFilled:
	case err == nil && o.Status.Working():
		return nil
	default:
		w.log.WithField("clientRef", w.openOrder.ClientRef).Warn("OPEN order did not fill, retrying")
		w.deps.Ledger.Unregister(w.openOrder.OrderID)
		w.openOrder = nil
		return nil
	}

	t := w.openOrder
	w.openOrder = nil
	w.deps.Ledger.Unregister(t.OrderID)
	w.auditStatus(ctx, t.ClientRef, model.OrderStatusFilled)
	return w.startCycle(ctx, fillPrice(o), filledSize(o, t.Size))
}

// startCycle lays the ladder from the OPEN fill and protects the position.
func (w *Worker) startCycle(ctx context.Context, anchor, size decimal.Decimal) error {
	plan, err := ladder.Build(w.params, w.inst, anchor)
	if err != nil {
		return err
	}
	for _, warning := range plan.Warnings {
		w.log.WithField("anchor", anchor.String()).Warn("Ladder risk: " + warning)
	}

	w.plan = plan
	w.anchor = anchor
	w.lastLevel = 0
	w.lastLevelPrice = anchor
	w.pos.Reset()
	w.pos.Fill(anchor, size, w.params.FirstMargin, false, w.params.MaxAddLevels)
	w.state = model.StateActive
	w.deps.Observer.PositionChanged(w.key, w.pos.Size, w.pos.AvgCost, w.pos.AddCount)

	w.log.WithFields(map[string]interface{}{
		"anchor": anchor.String(),
		"size":   size.String(),
		"levels": len(plan.Adds()),
		"budget": plan.BudgetMargin.String(),
	}).Info("Cycle started")
	w.emit(EventCycleStarted, anchor.String(), nil)

	if err := w.fillWindow(ctx); err != nil {
		return err
	}
	if err := w.replaceProfit(ctx); err != nil {
		return err
	}
	w.persist(ctx, false)
	return nil
}

// ----- ACTIVE -----

func (w *Worker) tick(ctx context.Context) error {
	if w.pendingNewCycle {
		w.pendingNewCycle = false
		w.setMode(w.resumeMode)
		if w.mode.CanOpen() {
			w.state = model.StateOpening
		}
		return nil
	}
	if !w.mode.CanTrade() {
		return nil
	}
	if w.mode == model.ModeEmergencyExit {
		w.state = model.StateWindingDown
		return nil
	}

	if err := w.reconcileOrders(ctx); err != nil {
		return err
	}
	if w.state != model.StateActive {
		return nil
	}
	if err := w.fillWindow(ctx); err != nil {
		return err
	}

	var err error
	if w.now().Sub(w.lastAudit) >= w.config.AuditInterval {
		err = w.inspect(ctx)
	} else {
		err = w.selfHeal(ctx)
	}
	if err != nil {
		return err
	}
	w.persist(ctx, false)
	return nil
}

// reconcileOrders finds tracked ADD orders that left the book and processes them in level order.
func (w *Worker) reconcileOrders(ctx context.Context) error {
	if len(w.adds) == 0 {
		return nil
	}
	open, err := w.deps.Client.ListOpenOrders(ctx, w.symbol)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[o.OrderID] = true
	}

	var gone []*tracked
	for id, t := range w.adds {
		if !live[id] {
			gone = append(gone, t)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Level < gone[j].Level })

	for _, t := range gone {
		if _, ok := w.adds[t.OrderID]; !ok || w.state != model.StateActive {
			continue
		}
		o, err := w.deps.Client.GetOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: t.OrderID})
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			o = exchange.Order{OrderID: t.OrderID, ClientRef: t.ClientRef, Status: model.OrderStatusMissing}
		case err != nil:
			return err
		}
		if err := w.onOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// onOrder applies one order update, pushed or polled.
func (w *Worker) onOrder(ctx context.Context, o exchange.Order) error {
	if w.state != model.StateActive {
		return nil
	}

	if w.profit != nil && o.OrderID == w.profit.OrderID {
		switch {
		case o.Status == model.OrderStatusFilled:
			return w.onProfitFill(ctx, o)
		case o.Status.Final():
			w.dropProfit(ctx, o)
			return w.selfHeal(ctx)
		}
		return nil
	}

	t, ok := w.adds[o.OrderID]
	if !ok {
		return nil
	}
	switch {
	case o.Status == model.OrderStatusFilled:
		return w.onAddFill(ctx, t, o)
	case o.Status.Final():
		delete(w.adds, o.OrderID)
		w.deps.Ledger.Unregister(o.OrderID)
		w.auditStatus(ctx, t.ClientRef, o.Status)
		w.log.WithFields(map[string]interface{}{
			"level":  t.Level,
			"status": o.Status,
		}).Warn("ADD order left the book unfilled")
	}
	return nil
}

func (w *Worker) onAddFill(ctx context.Context, t *tracked, o exchange.Order) error {
	delete(w.adds, o.OrderID)
	w.deps.Ledger.Unregister(o.OrderID)
	w.auditStatus(ctx, t.ClientRef, model.OrderStatusFilled)

	price := fillPrice(o)
	size := filledSize(o, t.Size)
	w.pos.Fill(price, size, ladder.LevelMargin(w.params, t.Level), true, w.params.MaxAddLevels)
	w.deps.Observer.PositionChanged(w.key, w.pos.Size, w.pos.AvgCost, w.pos.AddCount)

	w.log.WithFields(map[string]interface{}{
		"level":    t.Level,
		"price":    price.String(),
		"size":     size.String(),
		"avg":      w.pos.AvgCost.String(),
		"total":    w.pos.Size.String(),
		"addCount": w.pos.AddCount,
	}).Info("ADD filled")
	w.emit(EventAddFilled, fmt.Sprintf("level %d at %s", t.Level, price), nil)

	if err := w.replaceProfit(ctx); err != nil {
		return err
	}
	if w.state != model.StateActive {
		return nil
	}
	if err := w.fillWindow(ctx); err != nil {
		return err
	}
	w.hedgeOnAdd(ctx)
	w.persist(ctx, false)
	return nil
}

// levelFor returns price and size of ADD level i, from the plan when known.
func (w *Worker) levelFor(i int) (decimal.Decimal, decimal.Decimal) {
	if lvl, ok := w.plan.Level(i); ok {
		return lvl.Price, lvl.Size
	}
	price := ladder.RoundPrice(ladder.LevelPrice(w.lastLevelPrice, w.params, i), w.inst.TickSize, w.direction)
	if !price.IsPositive() || !w.inst.ContractValue.IsPositive() {
		return price, decimal.Zero
	}
	margin := ladder.LevelMargin(w.params, i)
	size := ladder.FloorToLot(margin.Mul(w.params.Leverage).Div(price.Mul(w.inst.ContractValue)), w.inst)
	return price, size
}

// topUpAdds keeps up to queue_depth ADD orders live, walking down the ladder.
func (w *Worker) topUpAdds(ctx context.Context) error {
	if !w.mode.CanOpen() {
		return nil
	}
	for len(w.adds) < w.params.Depth() && w.lastLevel < w.params.MaxAddLevels {
		next := w.lastLevel + 1
		price, size := w.levelFor(next)
		if !price.IsPositive() || !size.IsPositive() {
			return fmt.Errorf("level %d cannot be sized (price %s)", next, price)
		}

		ref := w.deps.Ledger.GenerateReference(w.symbol, model.RoleAdd, w.direction, next)
		req := exchange.OrderRequest{
			Symbol:    w.symbol,
			Side:      exchange.OpenSide(w.direction),
			Direction: w.direction,
			Type:      exchange.OrderTypeLimit,
			Price:     price,
			Size:      size,
			ClientRef: ref,
		}
		ack, err := w.place(ctx, req, model.RoleAdd, next)
		if err != nil {
			return err
		}
		w.adds[ack.OrderID] = &tracked{OrderID: ack.OrderID, ClientRef: ref, Role: model.RoleAdd, Level: next, Price: price, Size: size}
		w.lastLevel = next
		w.lastLevelPrice = price
	}
	return nil
}

// fillWindow tops up the ADD window. A placement that failed for a non-fatal reason
// is logged and retried on the next tick; the rest of the cycle carries on.
func (w *Worker) fillWindow(ctx context.Context) error {
	err := w.topUpAdds(ctx)
	if err == nil || exchange.IsFatal(err) || exchange.IsInconsistency(err) || ctx.Err() != nil {
		return err
	}
	w.log.WithFields(map[string]interface{}{
		"queued":    len(w.adds),
		"lastLevel": w.lastLevel,
	}).WithError(err).Warn("ADD window incomplete, retrying on next tick")
	return nil
}

// ----- PROFIT -----

func (w *Worker) expectedProfitPrice() decimal.Decimal {
	return ladder.ProfitPrice(w.pos.AvgCost, w.params.ProfitRatio(w.pos.AddCount), w.direction, w.inst.TickSize)
}

// replaceProfit cancels the current PROFIT order and places one for the current average.
// A PROFIT that filled before the cancel landed completes the cycle instead.
func (w *Worker) replaceProfit(ctx context.Context) error {
	if !w.mode.CanMaintainProfit() {
		return nil
	}
	if w.profit != nil {
		if err := w.cancel(ctx, w.profit); err != nil {
			return err
		}
		o, err := w.deps.Client.GetOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: w.profit.OrderID})
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return err
		}
		if err == nil && o.Status == model.OrderStatusFilled {
			return w.onProfitFill(ctx, o)
		}
		if err == nil && o.FilledSize.IsPositive() {
			w.pos.Reduce(o.FilledSize)
		}
		w.profit = nil
	}
	return w.placeProfit(ctx)
}

// dropProfit forgets a PROFIT order that ended without a full fill.
func (w *Worker) dropProfit(ctx context.Context, o exchange.Order) {
	if o.FilledSize.IsPositive() {
		w.pos.Reduce(o.FilledSize)
	}
	w.deps.Ledger.Unregister(w.profit.OrderID)
	w.auditStatus(ctx, w.profit.ClientRef, o.Status)
	w.profit = nil
}

// exchangeSize reads the live position. On a non-fatal failure the tracked size is used.
func (w *Worker) exchangeSize(ctx context.Context) (decimal.Decimal, error) {
	pos, err := w.deps.Client.GetPosition(ctx, w.symbol, w.direction)
	if err != nil {
		if exchange.IsFatal(err) || ctx.Err() != nil {
			return decimal.Zero, err
		}
		w.log.WithError(err).Warn("Position read failed, sizing from tracked position")
		return w.pos.Size, nil
	}
	return pos.Size, nil
}

func (w *Worker) placeProfit(ctx context.Context) error {
	if w.pos.Empty() {
		return nil
	}
	size, err := w.exchangeSize(ctx)
	if err != nil {
		return err
	}
	return w.placeProfitFor(ctx, size)
}

// placeProfitFor places the PROFIT order protecting a live position of posSize.
// min_lot stays open so a limit order never takes the position to zero.
func (w *Worker) placeProfitFor(ctx context.Context, posSize decimal.Decimal) error {
	size := ladder.ProfitSize(posSize, ladder.MaxOrderSize(w.params, w.inst, w.pos.AvgCost), w.inst)
	if size.IsZero() {
		w.log.WithFields(map[string]interface{}{
			"position": posSize.String(),
			"minLot":   w.inst.MinLot.String(),
		}).Debug("Position too small to protect")
		return nil
	}
	price := w.expectedProfitPrice()

	ref := w.deps.Ledger.GenerateReference(w.symbol, model.RoleProfit, w.direction, 0)
	req := exchange.OrderRequest{
		Symbol:     w.symbol,
		Side:       exchange.CloseSide(w.direction),
		Direction:  w.direction,
		Type:       exchange.OrderTypeLimit,
		Price:      price,
		Size:       size,
		ClientRef:  ref,
		ReduceOnly: true,
	}

	ack, err := w.place(ctx, req, model.RoleProfit, 0)
	if exchange.IsDuplicateReject(err) {
		w.log.WithField("clientRef", ref).Warn("Duplicate PROFIT reference, cancelling and retrying once")
		if cErr := w.deps.Client.CancelOrder(ctx, w.symbol, exchange.OrderQuery{ClientRef: ref}); cErr != nil {
			w.log.WithError(cErr).Warn("Cancel by reference failed")
		}
		ack, err = w.place(ctx, req, model.RoleProfit, 0)
	}
	if err != nil {
		if exchange.IsFatal(err) || exchange.IsInconsistency(err) || ctx.Err() != nil {
			return err
		}
		return w.marketProfit(ctx, req, err)
	}

	w.profit = &tracked{OrderID: ack.OrderID, ClientRef: ref, Role: model.RoleProfit, Price: price, Size: size}
	return nil
}

// marketProfit takes profit with a reduce-only market order after the limit order failed.
func (w *Worker) marketProfit(ctx context.Context, limit exchange.OrderRequest, cause error) error {
	w.log.WithError(cause).Warn("PROFIT limit order failed, falling back to market")

	req := limit
	req.Type = exchange.OrderTypeMarket
	req.Price = decimal.Zero
	req.ClientRef = w.deps.Ledger.GenerateReference(w.symbol, model.RoleProfit, w.direction, 0)

	ack, err := w.place(ctx, req, model.RoleProfit, 0)
	if err != nil {
		return fmt.Errorf("market profit after %v: %w", cause, err)
	}
	o, err := w.deps.Client.GetOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: ack.OrderID})
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return err
	}
	if err == nil && o.Status == model.OrderStatusFilled {
		return w.onProfitFill(ctx, o)
	}
	w.profit = &tracked{OrderID: ack.OrderID, ClientRef: req.ClientRef, Role: model.RoleProfit, Price: limit.Price, Size: req.Size}
	return nil
}

func (w *Worker) onProfitFill(ctx context.Context, o exchange.Order) error {
	w.deps.Ledger.Unregister(o.OrderID)
	if w.profit != nil {
		w.auditStatus(ctx, w.profit.ClientRef, model.OrderStatusFilled)
	} else {
		w.auditStatus(ctx, o.ClientRef, model.OrderStatusFilled)
	}
	w.profit = nil

	w.log.WithFields(map[string]interface{}{
		"price":    fillPrice(o).String(),
		"size":     o.FilledSize.String(),
		"avg":      w.pos.AvgCost.String(),
		"addCount": w.pos.AddCount,
	}).Info("PROFIT filled, cycle complete")
	return w.finishCycle(ctx, "profit filled")
}

// finishCycle cancels the remaining ADDs, resets the position and decides what comes next.
func (w *Worker) finishCycle(ctx context.Context, reason string) error {
	var errs []error
	for id, t := range w.adds {
		if err := w.cancel(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(w.adds, id)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	w.pos.Reset()
	w.plan = ladder.Plan{}
	w.anchor = decimal.Zero
	w.lastLevel = 0
	w.lastLevelPrice = decimal.Zero
	w.deps.Observer.PositionChanged(w.key, w.pos.Size, w.pos.AvgCost, 0)
	w.deps.Observer.CycleCompleted(w.key)

	w.hedgeSend(ctx, hedge.ActionCloseAll, 0, 0)
	w.hedgeOpen = false
	w.putClosed = false

	if w.closeAfterCycle {
		w.state = model.StateWindingDown
	} else {
		w.state = model.StateOpening
	}
	w.emit(EventCycleCompleted, reason, nil)
	w.persist(ctx, true)
	return nil
}

// selfHeal keeps exactly one PROFIT order matching the position. It is idempotent:
// with no fill in between, repeated calls submit at most one order.
func (w *Worker) selfHeal(ctx context.Context) error {
	if w.state != model.StateActive || !w.mode.CanMaintainProfit() {
		return nil
	}

	if w.profit != nil {
		o, err := w.deps.Client.GetOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: w.profit.OrderID})
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			o = exchange.Order{OrderID: w.profit.OrderID, Status: model.OrderStatusMissing}
		case err != nil:
			return err
		}

		switch {
		case o.Status == model.OrderStatusFilled:
			return w.onProfitFill(ctx, o)
		case o.Status.Working():
			if w.profit.Price.Equal(w.expectedProfitPrice()) {
				w.deps.Observer.SelfHeal(w.key, healNoop)
				return nil
			}
			w.log.WithFields(map[string]interface{}{
				"have": w.profit.Price.String(),
				"want": w.expectedProfitPrice().String(),
			}).Warn("PROFIT order is stale, replacing")
			w.deps.Observer.SelfHeal(w.key, healReplaced)
			return w.replaceProfit(ctx)
		default:
			w.log.WithField("status", o.Status).Warn("PROFIT order is gone, healing")
			w.dropProfit(ctx, o)
		}
	}

	if w.pos.Empty() {
		w.deps.Observer.SelfHeal(w.key, healSkipped)
		return nil
	}

	size, err := w.exchangeSize(ctx)
	if err != nil {
		return err
	}
	if !size.GreaterThan(w.inst.MinLot) && size.LessThan(w.pos.Size) {
		w.log.WithFields(map[string]interface{}{
			"position": size.String(),
			"tracked":  w.pos.Size.String(),
		}).Warn("Position closed outside the ladder")
		return w.finishCycle(ctx, "position closed externally")
	}
	// a single-lot cycle has nothing to protect until an ADD fills
	if ladder.ProfitSize(size, ladder.MaxOrderSize(w.params, w.inst, w.pos.AvgCost), w.inst).IsZero() {
		w.deps.Observer.SelfHeal(w.key, healSkipped)
		return nil
	}

	// a remnant under the same id may still be working on the exchange
	if err := w.cancelStaleProfits(ctx); err != nil {
		w.log.WithError(err).Debug("Stale PROFIT cleanup failed")
	}
	if err := w.placeProfitFor(ctx, size); err != nil {
		return err
	}
	w.deps.Observer.SelfHeal(w.key, healReplaced)
	return nil
}

// cancelStaleProfits cancels owned PROFIT orders that are still working but untracked.
func (w *Worker) cancelStaleProfits(ctx context.Context) error {
	open, err := w.deps.Client.ListOpenOrders(ctx, w.symbol)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open {
		if !w.owned(o) || w.deps.Ledger.Classify(o) != model.RoleProfit {
			continue
		}
		if w.profit != nil && w.profit.OrderID == o.OrderID {
			continue
		}
		if err := w.deps.Client.CancelOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: o.OrderID}); err != nil {
			errs = append(errs, err)
			continue
		}
		w.deps.Ledger.Unregister(o.OrderID)
	}
	return errors.Join(errs...)
}

func (w *Worker) owned(o exchange.Order) bool {
	if !w.deps.Ledger.IsMine(o) {
		return false
	}
	ref := w.deps.Ledger.Parse(o.ClientRef)
	return ref != nil && ref.StrategyKey() == w.key
}

// inspect is the hourly audit: it compares the exchange position with the
// tracked one, re-checks the PROFIT size and keeps the hedge alive.
func (w *Worker) inspect(ctx context.Context) error {
	w.lastAudit = w.now()

	pos, err := w.deps.Client.GetPosition(ctx, w.symbol, w.direction)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"position": pos.Size.String(),
		"tracked":  w.pos.Size.String(),
		"minLot":   w.inst.MinLot.String(),
	}
	if w.profit != nil {
		fields["profitSize"] = w.profit.Size.String()
		fields["profitOrder"] = w.profit.OrderID
	}
	w.log.WithFields(fields).Info("Hourly inspection")

	if !w.pos.Empty() {
		band := pos.Size.Mul(decimal.NewFromFloat(w.config.Tolerance))
		if band.LessThan(w.inst.MinLot) {
			band = w.inst.MinLot
		}
		if pos.Size.Sub(w.pos.Size).Abs().GreaterThan(band) && pos.Size.GreaterThan(w.inst.MinLot) {
			return &exchange.DataInconsistencyError{
				StrategyKey: w.key,
				Reason:      fmt.Sprintf("exchange position %s vs tracked %s", pos.Size, w.pos.Size),
			}
		}
	}

	if w.hedgeOpen && w.now().Sub(w.lastMaintain) >= w.config.HedgeMaintainEvery {
		w.hedgeSend(ctx, hedge.ActionMaintain, w.pos.AddCount, 0)
		w.lastMaintain = w.now()
	}

	if w.profit != nil && w.mode.CanMaintainProfit() {
		want := ladder.ProfitSize(pos.Size, ladder.MaxOrderSize(w.params, w.inst, w.pos.AvgCost), w.inst)
		if !want.IsZero() && !want.Equal(w.profit.Size) {
			w.log.WithFields(map[string]interface{}{
				"have": w.profit.Size.String(),
				"want": want.String(),
			}).Warn("PROFIT size drifted from position, replacing")
			w.deps.Observer.SelfHeal(w.key, healReplaced)
			return w.replaceProfit(ctx)
		}
	}
	return w.selfHeal(ctx)
}

// ----- WINDING_DOWN -----

// windDown cancels every owned order and flattens the position at market.
func (w *Worker) windDown(ctx context.Context) error {
	if !w.mode.CanTrade() {
		w.log.Warn("Suspended, not closing")
		w.state = model.StateActive
		return nil
	}

	open, err := w.deps.Client.ListOpenOrders(ctx, w.symbol)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open {
		if !w.owned(o) {
			continue
		}
		if err := w.deps.Client.CancelOrder(ctx, w.symbol, exchange.OrderQuery{OrderID: o.OrderID}); err != nil {
			errs = append(errs, err)
			continue
		}
		w.deps.Ledger.Unregister(o.OrderID)
		w.auditStatus(ctx, o.ClientRef, model.OrderStatusCanceled)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	w.adds = map[string]*tracked{}
	w.profit = nil
	w.openOrder = nil

	pos, err := w.deps.Client.GetPosition(ctx, w.symbol, w.direction)
	if err != nil {
		return err
	}
	if pos.Size.IsPositive() {
		ref := w.deps.Ledger.GenerateReference(w.symbol, model.RoleClose, w.direction, 0)
		req := exchange.OrderRequest{
			Symbol:     w.symbol,
			Side:       exchange.CloseSide(w.direction),
			Direction:  w.direction,
			Type:       exchange.OrderTypeMarket,
			Size:       pos.Size,
			ClientRef:  ref,
			ReduceOnly: true,
		}
		ack, err := w.place(ctx, req, model.RoleClose, 0)
		if err != nil {
			return err
		}
		w.deps.Ledger.Unregister(ack.OrderID)
	}

	if !w.pos.Empty() || pos.Size.IsPositive() {
		w.deps.Observer.CycleCompleted(w.key)
	}
	w.pos.Reset()
	w.plan = ladder.Plan{}
	w.lastLevel = 0
	w.deps.Observer.PositionChanged(w.key, decimal.Zero, decimal.Zero, 0)
	if w.hedgeOpen {
		w.hedgeSend(ctx, hedge.ActionCloseAll, 0, 0)
		w.hedgeOpen = false
	}

	w.log.WithField("closed", pos.Size.String()).Info("Position closed, worker stopping")
	w.state = model.StateStopped
	w.persist(ctx, true)
	return nil
}

// ----- hedge -----

func (w *Worker) hedgeOnAdd(ctx context.Context) {
	n := w.pos.AddCount
	if w.config.HedgeOpenAt > 0 && n >= w.config.HedgeOpenAt && !w.hedgeOpen {
		w.hedgeSend(ctx, hedge.ActionOpenOption, n, w.config.HedgeOpenAmount)
		w.hedgeOpen = true
		w.lastMaintain = w.now()
	}
	if w.config.HedgeClosePutAt > 0 && n >= w.config.HedgeClosePutAt && w.hedgeOpen && !w.putClosed {
		w.hedgeSend(ctx, hedge.ActionClosePut, n, 0)
		w.putClosed = true
	}
}

// hedgeSend is fire-and-forget. close_all is only sent when a hedge was opened.
func (w *Worker) hedgeSend(ctx context.Context, action hedge.Action, addCount int, amount float64) {
	if w.deps.Hedge == nil {
		return
	}
	if action == hedge.ActionCloseAll && !w.hedgeOpen {
		return
	}
	req := hedge.NewRequest(action, w.key)
	req.AddCount = addCount
	req.Amount = amount
	if err := w.deps.Hedge.Send(ctx, req); err != nil {
		w.log.WithField("action", action).WithError(err).Warn("Hedge request failed")
		return
	}
	w.log.WithFields(map[string]interface{}{
		"action":   action,
		"taskId":   req.TaskID,
		"addCount": addCount,
	}).Info("Hedge request sent")
}
