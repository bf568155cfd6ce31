package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/model"
)

// GuardedClient routes every call of an inner Client through the shared retry
// policy, and spaces order-status queries with the shared limiter.
type GuardedClient struct {
	inner   Client
	policy  *RetryPolicy
	limiter *StatusLimiter
}

func NewGuardedClient(inner Client, policy *RetryPolicy, limiter *StatusLimiter) *GuardedClient {
	return &GuardedClient{inner: inner, policy: policy, limiter: limiter}
}

func (g *GuardedClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var ack OrderAck
	err := g.policy.Do(ctx, "PlaceOrder", func() error {
		var err error
		ack, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

func (g *GuardedClient) CancelOrder(ctx context.Context, symbol string, q OrderQuery) error {
	return g.policy.Do(ctx, "CancelOrder", func() error {
		return g.inner.CancelOrder(ctx, symbol, q)
	})
}

func (g *GuardedClient) GetOrder(ctx context.Context, symbol string, q OrderQuery) (Order, error) {
	var order Order
	err := g.policy.Do(ctx, "GetOrder", func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		order, err = g.inner.GetOrder(ctx, symbol, q)
		return err
	})
	return order, err
}

func (g *GuardedClient) GetPosition(ctx context.Context, symbol string, direction model.Direction) (Position, error) {
	var pos Position
	err := g.policy.Do(ctx, "GetPosition", func() error {
		var err error
		pos, err = g.inner.GetPosition(ctx, symbol, direction)
		return err
	})
	return pos, err
}

func (g *GuardedClient) GetInstrument(ctx context.Context, symbol string) (model.Instrument, error) {
	var inst model.Instrument
	err := g.policy.Do(ctx, "GetInstrument", func() error {
		var err error
		inst, err = g.inner.GetInstrument(ctx, symbol)
		return err
	})
	return inst, err
}

func (g *GuardedClient) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var orders []Order
	err := g.policy.Do(ctx, "ListOpenOrders", func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		orders, err = g.inner.ListOpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}

func (g *GuardedClient) OrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error) {
	var orders []Order
	err := g.policy.Do(ctx, "OrderHistory", func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		orders, err = g.inner.OrderHistory(ctx, symbol, since)
		return err
	})
	return orders, err
}

func (g *GuardedClient) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := g.policy.Do(ctx, "LastPrice", func() error {
		var err error
		price, err = g.inner.LastPrice(ctx, symbol)
		return err
	})
	return price, err
}
