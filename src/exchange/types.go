package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"martingaleexecutor/src/model"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OpenSide is the side that grows a position in the given direction.
func OpenSide(direction model.Direction) Side {
	if direction == model.DirectionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide is the side that reduces a position in the given direction.
func CloseSide(direction model.Direction) Side {
	if direction == model.DirectionShort {
		return SideBuy
	}
	return SideSell
}

// OrderRequest describes a single order submission.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Direction  model.Direction
	Type       OrderType
	Price      decimal.Decimal // ignored for market orders
	Size       decimal.Decimal
	ClientRef  string
	ReduceOnly bool
}

// OrderAck is what the exchange returns on acceptance.
type OrderAck struct {
	OrderID   string
	ClientRef string
}

// OrderQuery addresses an order by broker id or client reference.
type OrderQuery struct {
	OrderID   string
	ClientRef string
}

// Order is the normalized view of an exchange order.
type Order struct {
	OrderID      string            `json:"order_id"`
	ClientRef    string            `json:"client_ref"`
	AccountID    string            `json:"account_id"`
	Symbol       string            `json:"symbol"`
	Side         Side              `json:"side"`
	Direction    model.Direction   `json:"direction"`
	Type         OrderType         `json:"type"`
	Price        decimal.Decimal   `json:"price"`
	Size         decimal.Decimal   `json:"size"`
	FilledSize   decimal.Decimal   `json:"filled_size"`
	AvgFillPrice decimal.Decimal   `json:"avg_fill_price"`
	Status       model.OrderStatus `json:"status"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Position is the exchange-reported position for one symbol and direction.
type Position struct {
	Symbol    string          `json:"symbol"`
	Direction model.Direction `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	AccountID string          `json:"account_id"`
}

// Client is everything the strategy engine needs from an exchange.
// Cancelling an order that is already final must not return an error.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, q OrderQuery) error
	GetOrder(ctx context.Context, symbol string, q OrderQuery) (Order, error)
	GetPosition(ctx context.Context, symbol string, direction model.Direction) (Position, error)
	GetInstrument(ctx context.Context, symbol string) (model.Instrument, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	OrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OrderStream pushes order updates as they happen. Run blocks until ctx is done
// or the stream fails.
type OrderStream interface {
	Run(ctx context.Context, out chan<- Order) error
}
