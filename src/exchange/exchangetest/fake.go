// Package exchangetest provides an in-memory exchange for strategy tests.
package exchangetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

// Fake is a deterministic in-memory exchange. Market orders fill at the last price,
// limit orders stay live until Fill is called.
type Fake struct {
	mu sync.Mutex

	AccountID   string
	instruments map[string]model.Instrument
	prices      map[string]decimal.Decimal
	positions   map[string]exchange.Position
	orders      map[string]*exchange.Order
	byRef       map[string]string
	reduceOnly  map[string]bool
	nextID      int
	now         func() time.Time

	// Placed records every accepted request in order.
	Placed []exchange.OrderRequest
	// Cancelled records every cancel call, including no-ops.
	Cancelled []exchange.OrderQuery
	// GetOrderCalls counts status queries.
	GetOrderCalls int

	// PlaceHook may return an error to reject or fail a submission before it is accepted.
	PlaceHook func(req exchange.OrderRequest) error
	// PositionErr is returned by GetPosition when set.
	PositionErr error
}

func New(accountID string) *Fake {
	return &Fake{
		AccountID:   accountID,
		instruments: map[string]model.Instrument{},
		prices:      map[string]decimal.Decimal{},
		positions:   map[string]exchange.Position{},
		orders:      map[string]*exchange.Order{},
		byRef:       map[string]string{},
		reduceOnly:  map[string]bool{},
		now:         time.Now,
	}
}

func posKey(symbol string, direction model.Direction) string {
	return symbol + "/" + string(direction)
}

// SetInstrument registers a tradable symbol.
func (f *Fake) SetInstrument(inst model.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments[inst.Symbol] = inst
}

// SetPrice moves the last traded price.
func (f *Fake) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

// SetPosition overrides the exchange position.
func (f *Fake) SetPosition(pos exchange.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pos.AccountID == "" {
		pos.AccountID = f.AccountID
	}
	f.positions[posKey(pos.Symbol, pos.Direction)] = pos
}

// Seed inserts an order as if it had been placed earlier, e.g. before a restart.
func (f *Fake) Seed(o exchange.Order) exchange.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.OrderID == "" {
		f.nextID++
		o.OrderID = strconv.Itoa(f.nextID)
	}
	if o.AccountID == "" {
		o.AccountID = f.AccountID
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = f.now()
	}
	cp := o
	f.orders[o.OrderID] = &cp
	if o.ClientRef != "" {
		f.byRef[o.ClientRef] = o.OrderID
	}
	return cp
}

func (f *Fake) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if f.PlaceHook != nil {
		if err := f.PlaceHook(req); err != nil {
			return exchange.OrderAck{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if req.ClientRef != "" {
		if id, ok := f.byRef[req.ClientRef]; ok && f.orders[id].Status.Working() {
			return exchange.OrderAck{}, &exchange.ExchangeRejectError{
				Op: "PlaceOrder", Code: 11081, Msg: "TE_CLIENT_ID_EXIST", Duplicate: true,
			}
		}
	}
	if _, ok := f.instruments[req.Symbol]; !ok {
		return exchange.OrderAck{}, &exchange.ExchangeRejectError{Op: "PlaceOrder", Code: 11120, Msg: "TE_CONTRACT_NOT_FOUND"}
	}

	f.nextID++
	id := strconv.Itoa(f.nextID)
	order := &exchange.Order{
		OrderID:   id,
		ClientRef: req.ClientRef,
		AccountID: f.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Direction: req.Direction,
		Type:      req.Type,
		Price:     req.Price,
		Size:      req.Size,
		Status:    model.OrderStatusLive,
		UpdatedAt: f.now(),
	}
	f.orders[id] = order
	f.reduceOnly[id] = req.ReduceOnly
	if req.ClientRef != "" {
		f.byRef[req.ClientRef] = id
	}
	f.Placed = append(f.Placed, req)

	if req.Type == exchange.OrderTypeMarket {
		f.fillLocked(order, f.prices[req.Symbol])
	}

	return exchange.OrderAck{OrderID: id, ClientRef: req.ClientRef}, nil
}

func (f *Fake) resolveLocked(q exchange.OrderQuery) (*exchange.Order, bool) {
	id := q.OrderID
	if id == "" {
		id = f.byRef[q.ClientRef]
	}
	o, ok := f.orders[id]
	return o, ok
}

func (f *Fake) CancelOrder(_ context.Context, _ string, q exchange.OrderQuery) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Cancelled = append(f.Cancelled, q)
	if o, ok := f.resolveLocked(q); ok && o.Status.Working() {
		o.Status = model.OrderStatusCanceled
		o.UpdatedAt = f.now()
	}
	return nil
}

func (f *Fake) GetOrder(_ context.Context, _ string, q exchange.OrderQuery) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GetOrderCalls++
	o, ok := f.resolveLocked(q)
	if !ok {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	return *o, nil
}

func (f *Fake) GetPosition(_ context.Context, symbol string, direction model.Direction) (exchange.Position, error) {
	if f.PositionErr != nil {
		return exchange.Position{}, f.PositionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pos, ok := f.positions[posKey(symbol, direction)]
	if !ok {
		return exchange.Position{Symbol: symbol, Direction: direction, AccountID: f.AccountID}, nil
	}
	pos.MarkPrice = f.prices[symbol]
	return pos, nil
}

func (f *Fake) GetInstrument(_ context.Context, symbol string) (model.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.instruments[symbol]
	if !ok {
		return model.Instrument{}, fmt.Errorf("unknown instrument %s", symbol)
	}
	return inst, nil
}

func (f *Fake) ListOpenOrders(_ context.Context, symbol string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []exchange.Order
	for _, o := range f.sortedLocked() {
		if o.Symbol == symbol && o.Status.Working() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *Fake) OrderHistory(_ context.Context, symbol string, since time.Time) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []exchange.Order
	for _, o := range f.sortedLocked() {
		if o.Symbol == symbol && !o.UpdatedAt.Before(since) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *Fake) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	price, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// Fill executes a live order completely at its limit price and returns the filled order.
func (f *Fake) Fill(q exchange.OrderQuery) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.resolveLocked(q)
	if !ok {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	if !o.Status.Working() {
		return exchange.Order{}, fmt.Errorf("order %s is %s", o.OrderID, o.Status)
	}
	f.fillLocked(o, o.Price)
	return *o, nil
}

// Orders returns every order in placement sequence.
func (f *Fake) Orders() []exchange.Order {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []exchange.Order
	for _, o := range f.sortedLocked() {
		out = append(out, *o)
	}
	return out
}

// Working returns every working order for the symbol.
func (f *Fake) Working(symbol string) []exchange.Order {
	orders, _ := f.ListOpenOrders(context.Background(), symbol)
	return orders
}

func (f *Fake) fillLocked(o *exchange.Order, price decimal.Decimal) {
	o.Status = model.OrderStatusFilled
	o.FilledSize = o.Size
	o.AvgFillPrice = price
	o.UpdatedAt = f.now()

	key := posKey(o.Symbol, o.Direction)
	pos, ok := f.positions[key]
	if !ok {
		pos = exchange.Position{Symbol: o.Symbol, Direction: o.Direction, AccountID: f.AccountID}
	}

	if o.Side == exchange.OpenSide(o.Direction) && !f.reduceOnly[o.OrderID] {
		total := pos.Size.Add(o.Size)
		pos.AvgPrice = pos.AvgPrice.Mul(pos.Size).Add(price.Mul(o.Size)).Div(total)
		pos.Size = total
	} else {
		pos.Size = pos.Size.Sub(o.Size)
		if !pos.Size.IsPositive() {
			pos.Size = decimal.Zero
			pos.AvgPrice = decimal.Zero
		}
	}
	f.positions[key] = pos
}

func (f *Fake) sortedLocked() []*exchange.Order {
	out := make([]*exchange.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].OrderID)
		b, _ := strconv.Atoi(out[j].OrderID)
		return a < b
	})
	return out
}
