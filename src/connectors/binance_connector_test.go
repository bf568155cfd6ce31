package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

func newTestBinance(server *httptest.Server, hedge bool) *BinanceClient {
	c := futures.NewClient("key", "secret")
	c.BaseURL = server.URL
	c.HTTPClient = server.Client()
	return &BinanceClient{
		client:      c,
		accountID:   "acc-1",
		hedgeMode:   hedge,
		instruments: map[string]model.Instrument{},
	}
}

func TestBinancePlaceOrderParams(t *testing.T) {
	var form map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		_, _ = w.Write([]byte(`{"orderId":4242,"clientOrderId":"MARTIN_LONG_BTCUSDT_ADD1_0002","symbol":"BTCUSDT","status":"NEW"}`))
	}))
	defer server.Close()

	client := newTestBinance(server, true)
	ack, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Direction: model.DirectionLong,
		Type:      exchange.OrderTypeLimit,
		Price:     decimal.RequireFromString("58000.1"),
		Size:      decimal.RequireFromString("0.003"),
		ClientRef: "MARTIN_LONG_BTCUSDT_ADD1_0002",
	})
	require.NoError(t, err)
	require.Equal(t, "4242", ack.OrderID)
	require.Equal(t, "MARTIN_LONG_BTCUSDT_ADD1_0002", ack.ClientRef)

	require.Equal(t, "BUY", form["side"])
	require.Equal(t, "LONG", form["positionSide"])
	require.Equal(t, "LIMIT", form["type"])
	require.Equal(t, "GTC", form["timeInForce"])
	require.Equal(t, "58000.1", form["price"])
	require.Equal(t, "0.003", form["quantity"])
	require.Equal(t, "MARTIN_LONG_BTCUSDT_ADD1_0002", form["newClientOrderId"])
	require.Empty(t, form["reduceOnly"])
}

func TestBinanceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "duplicate client id",
			status: http.StatusBadRequest,
			body:   `{"code":-4116,"msg":"ClientOrderId is duplicated."}`,
			check: func(t *testing.T, err error) {
				require.True(t, exchange.IsDuplicateReject(err))
			},
		},
		{
			name:   "insufficient margin",
			status: http.StatusBadRequest,
			body:   `{"code":-2019,"msg":"Margin is insufficient."}`,
			check: func(t *testing.T, err error) {
				require.True(t, exchange.IsReject(err))
				require.False(t, exchange.IsDuplicateReject(err))
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"code":-1003,"msg":"Too many requests."}`,
			check: func(t *testing.T, err error) {
				var transient *exchange.TransientNetworkError
				require.ErrorAs(t, err, &transient)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestBinance(server, true)
			_, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
				Symbol: "BTCUSDT", Side: exchange.SideSell, Direction: model.DirectionLong,
				Type: exchange.OrderTypeMarket, Size: decimal.NewFromInt(1), ClientRef: "X",
			})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestBinanceGetOrderAndCancelUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		case http.MethodDelete:
			_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
		}
	}))
	defer server.Close()

	client := newTestBinance(server, true)

	_, err := client.GetOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{ClientRef: "MARTIN_LONG_BTCUSDT_PROFIT_0001"})
	require.ErrorIs(t, err, exchange.ErrOrderNotFound)

	require.NoError(t, client.CancelOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{OrderID: "77"}))
}

func TestBinanceGetOrderMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"orderId": 99, "clientOrderId": "MARTIN_SHORT_ETHUSDT_PROFIT_0005", "symbol": "ETHUSDT",
			"side": "BUY", "positionSide": "SHORT", "type": "LIMIT", "status": "PARTIALLY_FILLED",
			"price": "3000", "origQty": "1", "executedQty": "0.4", "avgPrice": "3000",
			"time": 1700000000000, "updateTime": 1700000001000
		}`))
	}))
	defer server.Close()

	client := newTestBinance(server, true)
	o, err := client.GetOrder(context.Background(), "ETHUSDT", exchange.OrderQuery{OrderID: "99"})
	require.NoError(t, err)

	require.Equal(t, "99", o.OrderID)
	require.Equal(t, model.DirectionShort, o.Direction)
	require.Equal(t, exchange.SideBuy, o.Side)
	require.Equal(t, model.OrderStatusPartial, o.Status)
	require.True(t, o.FilledSize.Equal(decimal.RequireFromString("0.4")))
	require.Equal(t, "acc-1", o.AccountID)
	require.Equal(t, time.UnixMilli(1700000001000), o.UpdatedAt)
}

func ordersPage(from, to int) string {
	var parts []string
	for id := from; id <= to; id++ {
		parts = append(parts, fmt.Sprintf(`{"orderId": %d, "clientOrderId": "MARTIN_LONG_BTCUSDT_ADD1_%06d", "symbol": "BTCUSDT",
			"side": "BUY", "positionSide": "LONG", "type": "LIMIT", "status": "CANCELED",
			"price": "98", "origQty": "1", "executedQty": "0", "time": 1700000000000, "updateTime": 1700000000000}`, id, id))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestBinanceOrderHistoryPagesByOrderID(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/allOrders", r.URL.Path)
		q := r.URL.Query()
		queries = append(queries, q.Get("orderId"))
		require.Equal(t, "500", q.Get("limit"))
		switch q.Get("orderId") {
		case "":
			require.NotEmpty(t, q.Get("startTime"))
			_, _ = w.Write([]byte(ordersPage(1, 500)))
		case "501":
			_, _ = w.Write([]byte(ordersPage(501, 503)))
		default:
			t.Errorf("unexpected orderId %q", q.Get("orderId"))
			_, _ = w.Write([]byte("[]"))
		}
	}))
	defer server.Close()

	client := newTestBinance(server, true)
	orders, err := client.OrderHistory(context.Background(), "BTCUSDT", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.Equal(t, []string{"", "501"}, queries)
	require.Len(t, orders, 503)
	require.Equal(t, "1", orders[0].OrderID)
	require.Equal(t, "503", orders[502].OrderID)
}

func TestBinanceGetPositionHedgeMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionSide":"LONG","positionAmt":"0.010","entryPrice":"60000","markPrice":"60500"},
			{"symbol":"BTCUSDT","positionSide":"SHORT","positionAmt":"-0.020","entryPrice":"61000","markPrice":"60500"}
		]`))
	}))
	defer server.Close()

	client := newTestBinance(server, true)

	long, err := client.GetPosition(context.Background(), "BTCUSDT", model.DirectionLong)
	require.NoError(t, err)
	require.True(t, long.Size.Equal(decimal.RequireFromString("0.01")))
	require.True(t, long.AvgPrice.Equal(decimal.NewFromInt(60000)))

	short, err := client.GetPosition(context.Background(), "BTCUSDT", model.DirectionShort)
	require.NoError(t, err)
	require.True(t, short.Size.Equal(decimal.RequireFromString("0.02")))
}

func TestBinanceGetInstrumentFilters(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"0.1","maxPrice":"1000000"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"}
		]}]}`))
	}))
	defer server.Close()

	client := newTestBinance(server, true)
	for i := 0; i < 2; i++ {
		inst, err := client.GetInstrument(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		require.True(t, inst.TickSize.Equal(decimal.RequireFromString("0.1")))
		require.True(t, inst.LotStep.Equal(decimal.RequireFromString("0.001")))
		require.True(t, inst.MinLot.Equal(decimal.RequireFromString("0.001")))
	}
	require.Equal(t, 1, calls)

	_, err := client.GetInstrument(context.Background(), "NOPEUSDT")
	require.True(t, exchange.IsReject(err))
}

func TestBinanceGetPositionOneWayReportsActualDirection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","positionSide":"BOTH","positionAmt":"-0.5","entryPrice":"61000","markPrice":"60500"}]`))
	}))
	defer server.Close()

	client := newTestBinance(server, false)
	pos, err := client.GetPosition(context.Background(), "BTCUSDT", model.DirectionLong)
	require.NoError(t, err)
	require.Equal(t, model.DirectionShort, pos.Direction)
	require.True(t, pos.Size.Equal(decimal.RequireFromString("0.5")))
}
