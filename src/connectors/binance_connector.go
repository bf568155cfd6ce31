package connectors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

var _ exchange.Client = (*BinanceClient)(nil)

const (
	binanceDuplicateClientID = -4116
	binanceNoSuchOrder       = -2013
	binanceUnknownOrder      = -2011
	binanceDisconnected      = -1001
	binanceTooManyRequests   = -1003
	binanceTimestampSkew     = -1021
)

const (
	historyPageSize = 500
	historyMaxPages = 20
)

// BinanceClient implements exchange.Client on USDT-M futures.
// In hedge mode orders carry LONG/SHORT position sides and reduce-only is implied.
type BinanceClient struct {
	client    *futures.Client
	accountID string
	hedgeMode bool

	mu          sync.Mutex
	instruments map[string]model.Instrument
}

func NewBinanceClient(apiKey, apiSecret, accountID string, config Config) *BinanceClient {
	if config.BinanceTestnet {
		futures.UseTestnet = true
	}
	return &BinanceClient{
		client:      binance.NewFuturesClient(apiKey, apiSecret),
		accountID:   accountID,
		hedgeMode:   config.BinanceHedgeMode,
		instruments: map[string]model.Instrument{},
	}
}

// binanceError maps go-binance errors onto the exchange error taxonomy.
func binanceError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &exchange.TransientNetworkError{Op: op, Err: err}
	}

	switch apiErr.Code {
	case binanceNoSuchOrder, binanceUnknownOrder:
		return fmt.Errorf("%s: %s: %w", op, apiErr.Message, exchange.ErrOrderNotFound)
	case binanceDisconnected, binanceTooManyRequests, binanceTimestampSkew:
		return &exchange.TransientNetworkError{Op: op, Err: apiErr}
	}
	return &exchange.ExchangeRejectError{
		Op:        op,
		Code:      apiErr.Code,
		Msg:       apiErr.Message,
		Duplicate: apiErr.Code == binanceDuplicateClientID,
	}
}

func (b *BinanceClient) positionSide(direction model.Direction) futures.PositionSideType {
	if !b.hedgeMode {
		return futures.PositionSideTypeBoth
	}
	if direction == model.DirectionShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func (b *BinanceClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	side := futures.SideTypeBuy
	if req.Side == exchange.SideSell {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		PositionSide(b.positionSide(req.Direction)).
		Quantity(req.Size.String()).
		NewClientOrderID(req.ClientRef)

	if req.Type == exchange.OrderTypeMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.Price.String())
	}
	if req.ReduceOnly && !b.hedgeMode {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		mapped := binanceError(ctx, "PlaceOrder", err)
		logger.WithFields(map[string]interface{}{
			"symbol":    req.Symbol,
			"clientRef": req.ClientRef,
			"side":      req.Side,
			"type":      req.Type,
		}).WithError(mapped).Warn("Binance order rejected")
		return exchange.OrderAck{}, mapped
	}
	return exchange.OrderAck{OrderID: strconv.FormatInt(res.OrderID, 10), ClientRef: res.ClientOrderID}, nil
}

func (b *BinanceClient) CancelOrder(ctx context.Context, symbol string, q exchange.OrderQuery) error {
	svc := b.client.NewCancelOrderService().Symbol(symbol)
	if q.OrderID != "" {
		id, err := strconv.ParseInt(q.OrderID, 10, 64)
		if err != nil {
			return fmt.Errorf("CancelOrder: invalid order id %q: %w", q.OrderID, err)
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(q.ClientRef)
	}

	_, err := svc.Do(ctx)
	err = binanceError(ctx, "CancelOrder", err)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (b *BinanceClient) GetOrder(ctx context.Context, symbol string, q exchange.OrderQuery) (exchange.Order, error) {
	svc := b.client.NewGetOrderService().Symbol(symbol)
	if q.OrderID != "" {
		id, err := strconv.ParseInt(q.OrderID, 10, 64)
		if err != nil {
			return exchange.Order{}, fmt.Errorf("GetOrder: invalid order id %q: %w", q.OrderID, err)
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(q.ClientRef)
	}

	o, err := svc.Do(ctx)
	if err != nil {
		return exchange.Order{}, binanceError(ctx, "GetOrder", err)
	}
	return b.toOrder(o), nil
}

func (b *BinanceClient) GetPosition(ctx context.Context, symbol string, direction model.Direction) (exchange.Position, error) {
	out := exchange.Position{Symbol: symbol, Direction: direction, AccountID: b.accountID}

	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return out, binanceError(ctx, "GetPosition", err)
	}

	want := b.positionSide(direction)
	for _, p := range risks {
		if p.Symbol != symbol || futures.PositionSideType(p.PositionSide) != want {
			continue
		}
		amt := parseDecimal(p.PositionAmt)
		// one-way mode: the sign tells the direction, which may differ from the one asked for
		if !b.hedgeMode && amt.IsNegative() {
			out.Direction = model.DirectionShort
		} else if !b.hedgeMode && amt.IsPositive() {
			out.Direction = model.DirectionLong
		}
		out.Size = amt.Abs()
		out.AvgPrice = parseDecimal(p.EntryPrice)
		out.MarkPrice = parseDecimal(p.MarkPrice)
		return out, nil
	}
	return out, nil
}

func (b *BinanceClient) GetInstrument(ctx context.Context, symbol string) (model.Instrument, error) {
	b.mu.Lock()
	inst, ok := b.instruments[symbol]
	b.mu.Unlock()
	if ok {
		return inst, nil
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return model.Instrument{}, binanceError(ctx, "GetInstrument", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		inst = model.Instrument{Symbol: symbol, ContractValue: decimal.NewFromInt(1)}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				inst.TickSize = filterDecimal(f, "tickSize")
			case "LOT_SIZE":
				inst.MinLot = filterDecimal(f, "minQty")
				inst.LotStep = filterDecimal(f, "stepSize")
			}
		}
		b.mu.Lock()
		b.instruments[symbol] = inst
		b.mu.Unlock()
		return inst, nil
	}

	return model.Instrument{}, &exchange.ExchangeRejectError{Op: "GetInstrument", Code: -1121, Msg: "Invalid symbol " + symbol}
}

func (b *BinanceClient) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, binanceError(ctx, "ListOpenOrders", err)
	}
	return b.toOrders(orders), nil
}

// OrderHistory pages through allOrders by order id, oldest first.
func (b *BinanceClient) OrderHistory(ctx context.Context, symbol string, since time.Time) ([]exchange.Order, error) {
	var all []*futures.Order
	var fromID int64
	for page := 0; page < historyMaxPages; page++ {
		svc := b.client.NewListOrdersService().Symbol(symbol).Limit(historyPageSize)
		if fromID > 0 {
			svc = svc.OrderID(fromID)
		} else {
			svc = svc.StartTime(since.UnixMilli())
		}
		orders, err := svc.Do(ctx)
		if err != nil {
			return nil, binanceError(ctx, "OrderHistory", err)
		}
		all = append(all, orders...)
		if len(orders) < historyPageSize {
			return b.toOrders(all), nil
		}
		for _, o := range orders {
			if o.OrderID >= fromID {
				fromID = o.OrderID + 1
			}
		}
	}
	logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"orders": len(all),
	}).Warn("Order history truncated")
	return b.toOrders(all), nil
}

func (b *BinanceClient) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, binanceError(ctx, "LastPrice", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			price := parseDecimal(p.Price)
			if price.IsPositive() {
				return price, nil
			}
		}
	}
	return decimal.Zero, fmt.Errorf("no price for %s", symbol)
}

// -----------------------------
// MAPPING
// -----------------------------
func (b *BinanceClient) toOrders(in []*futures.Order) []exchange.Order {
	out := make([]exchange.Order, 0, len(in))
	for _, o := range in {
		out = append(out, b.toOrder(o))
	}
	return out
}

func (b *BinanceClient) toOrder(o *futures.Order) exchange.Order {
	side := exchange.SideBuy
	if o.Side == futures.SideTypeSell {
		side = exchange.SideSell
	}

	direction := model.DirectionLong
	switch {
	case o.PositionSide == futures.PositionSideTypeShort:
		direction = model.DirectionShort
	case o.PositionSide == futures.PositionSideTypeBoth:
		// one-way mode: an opening sell or a reducing buy belongs to a short
		if (side == exchange.SideSell) != o.ReduceOnly {
			direction = model.DirectionShort
		}
	}

	orderType := exchange.OrderTypeLimit
	if o.Type == futures.OrderTypeMarket {
		orderType = exchange.OrderTypeMarket
	}

	updated := time.UnixMilli(o.UpdateTime)
	if o.UpdateTime == 0 {
		updated = time.UnixMilli(o.Time)
	}

	return exchange.Order{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		ClientRef:    o.ClientOrderID,
		AccountID:    b.accountID,
		Symbol:       o.Symbol,
		Side:         side,
		Direction:    direction,
		Type:         orderType,
		Price:        parseDecimal(o.Price),
		Size:         parseDecimal(o.OrigQuantity),
		FilledSize:   parseDecimal(o.ExecutedQuantity),
		AvgFillPrice: parseDecimal(o.AvgPrice),
		Status:       binanceStatus(o.Status),
		UpdatedAt:    updated,
	}
}

func binanceStatus(s futures.OrderStatusType) model.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return model.OrderStatusLive
	case futures.OrderStatusTypePartiallyFilled:
		return model.OrderStatusPartial
	case futures.OrderStatusTypeFilled:
		return model.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return model.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return model.OrderStatusRejected
	}
	return model.OrderStatusMissing
}

func filterDecimal(f map[string]interface{}, key string) decimal.Decimal {
	s, _ := f[key].(string)
	return parseDecimal(s)
}
