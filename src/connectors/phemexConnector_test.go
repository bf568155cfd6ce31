package connectors

// Test index:
//  1. TestIsRetryableResp verifies retry decisions for various response codes and errors.
//  2. TestSignRequest validates HMAC signature generation inputs and output.
//  3. TestPhemexGetPosition picks the hedged side of the requested symbol.
//  4. TestPhemexPlaceOrderPayload checks the limit and market order bodies.
//  5. TestPhemexPlaceOrderDuplicate maps TE_CLIENT_ID_EXIST onto a duplicate reject.
//  6. TestPhemexServerErrorIsTransient maps 5xx onto TransientNetworkError.
//  7. TestPhemexGetOrder decodes rows and normalizes status and fill price.
//  8. TestPhemexGetOrderNotFound returns ErrOrderNotFound for an empty result.
//  9. TestPhemexCancelOrder cancels live orders with the looked-up position side.
// 10. TestPhemexCancelFinalOrderIsNoop skips the cancel call for final orders.
// 11. TestPhemexListOpenOrdersEmpty treats OM_ORDER_NOT_FOUND as an empty list.
// 12. TestPhemexOrderHistory passes the start time and stamps the account id.
// 13. TestPhemexLastPrice reads the ticker last price.
// 14. TestPhemexGetInstrumentCaches reads the product list once.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

func newTestClient(baseURL string, httpClient *http.Client) *PhemexClient {
	restyClient := resty.New()
	restyClient.SetBaseURL(baseURL)
	restyClient.SetTransport(httpClient.Transport)

	return &PhemexClient{
		apiKey:      "test-key",
		apiSecret:   "test-secret",
		baseURL:     baseURL,
		accountID:   "acc-1",
		http:        restyClient,
		instruments: map[string]model.Instrument{},
	}
}

func writeAPI(w http.ResponseWriter, code int, data interface{}) {
	_ = json.NewEncoder(w).Encode(APIResponse{Code: code, Data: mustJSON(data)})
}

// TestIsRetryableResp verifies retry decisions for assorted errors and HTTP responses.
func TestIsRetryableResp(t *testing.T) {
	cases := []struct {
		name string
		resp *resty.Response
		err  error
		want bool
	}{
		{name: "error present", err: assertError{}, want: true},
		{name: "server error", resp: fakeResponse(500), want: true},
		{name: "too many requests", resp: fakeResponse(429), want: true},
		{name: "timeout", resp: fakeResponse(408), want: true},
		{name: "ok response", resp: fakeResponse(200), want: false},
		{name: "bad request", resp: fakeResponse(400), want: false},
		{name: "nil resp", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := isRetryableResp(tc.resp, tc.err)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

// TestSignRequest ensures HMAC signing matches the expected digest for a fixed payload and secret.
func TestSignRequest(t *testing.T) {
	expiry := int64(1700000000)
	expectedMac := hmac.New(sha256.New, []byte("secret"))
	expectedMac.Write([]byte("/testpath" + "query" + "1700000000" + "body"))
	expected := hex.EncodeToString(expectedMac.Sum(nil))

	got := signRequest("/testpath", "query", "body", expiry, "secret")
	if got != expected {
		t.Fatalf("expected signature %s, got %s", expected, got)
	}
}

func TestPhemexGetPosition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/g-accounts/positions", r.URL.Path)
		require.Equal(t, "currency=USDT", r.URL.RawQuery)
		require.NotEmpty(t, r.Header.Get("x-phemex-request-signature"))

		writeAPI(w, 0, GAccountPositions{Positions: []GPosition{
			{Symbol: "ETHUSDT", PosSide: "Long", SizeRq: "9"},
			{Symbol: "BTCUSDT", PosSide: "Short", SizeRq: "1", AvgEntryPriceRp: "70000"},
			{Symbol: "BTCUSDT", PosSide: "Long", SizeRq: "0.5", AvgEntryPriceRp: "60000", MarkPriceRp: "61000"},
		}})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	pos, err := client.GetPosition(context.Background(), "BTCUSDT", model.DirectionLong)
	require.NoError(t, err)
	require.True(t, pos.Size.Equal(decimal.RequireFromString("0.5")))
	require.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(60000)))
	require.True(t, pos.MarkPrice.Equal(decimal.NewFromInt(61000)))
	require.Equal(t, "acc-1", pos.AccountID)

	flat, err := client.GetPosition(context.Background(), "SOLUSDT", model.DirectionLong)
	require.NoError(t, err)
	require.True(t, flat.Size.IsZero())
}

func TestPhemexPlaceOrderPayload(t *testing.T) {
	var bodies []map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/g-orders", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		writeAPI(w, 0, GOrder{OrderID: "oid-1", ClOrdID: body["clOrdID"].(string)})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())

	ack, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideSell,
		Direction: model.DirectionLong,
		Type:      exchange.OrderTypeLimit,
		Price:     decimal.RequireFromString("61234.5"),
		Size:      decimal.RequireFromString("0.012"),
		ClientRef: "MARTIN_LONG_BTCUSDT_PROFIT_0003",
	})
	require.NoError(t, err)
	require.Equal(t, "oid-1", ack.OrderID)
	require.Equal(t, "MARTIN_LONG_BTCUSDT_PROFIT_0003", ack.ClientRef)

	_, err = client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Direction:  model.DirectionShort,
		Type:       exchange.OrderTypeMarket,
		Size:       decimal.RequireFromString("1"),
		ClientRef:  "MARTIN_SHORT_BTCUSDT_CLOSE_0004",
		ReduceOnly: true,
	})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	require.Equal(t, "Sell", bodies[0]["side"])
	require.Equal(t, "Long", bodies[0]["posSide"])
	require.Equal(t, "Limit", bodies[0]["ordType"])
	require.Equal(t, "61234.5", bodies[0]["priceRp"])
	require.Equal(t, "0.012", bodies[0]["orderQtyRq"])
	require.Equal(t, "GoodTillCancel", bodies[0]["timeInForce"])

	require.Equal(t, "Buy", bodies[1]["side"])
	require.Equal(t, "Short", bodies[1]["posSide"])
	require.Equal(t, "Market", bodies[1]["ordType"])
	require.Equal(t, true, bodies[1]["reduceOnly"])
	_, hasPrice := bodies[1]["priceRp"]
	require.False(t, hasPrice)
}

func TestPhemexPlaceOrderDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(APIResponse{Code: 11081, Msg: "TE_CLIENT_ID_EXIST"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	_, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Direction: model.DirectionLong,
		Type: exchange.OrderTypeLimit, Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1),
		ClientRef: "MARTIN_LONG_BTCUSDT_PROFIT_0001",
	})

	require.True(t, exchange.IsDuplicateReject(err))

	var rej *exchange.ExchangeRejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, int64(11081), rej.Code)
}

func TestPhemexServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	_, err := client.GetPositionsUSDT(context.Background())

	var transient *exchange.TransientNetworkError
	require.ErrorAs(t, err, &transient)
	require.Equal(t, "GetPosition", transient.Op)
}

func TestPhemexGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api-data/g-futures/orders/by-order-id", r.URL.Path)
		require.Equal(t, "MARTIN_LONG_BTCUSDT_ADD1_0002", r.URL.Query().Get("clOrdID"))

		writeAPI(w, 0, gOrderRows{Rows: []GOrder{{
			OrderID:        "oid-2",
			ClOrdID:        "MARTIN_LONG_BTCUSDT_ADD1_0002",
			Symbol:         "BTCUSDT",
			Side:           "Buy",
			PosSide:        "Long",
			OrdType:        "Limit",
			PriceRp:        "59000",
			OrderQtyRq:     "0.02",
			CumQtyRq:       "0.02",
			CumValueRv:     "1180",
			OrdStatus:      "Filled",
			TransactTimeNs: 1700000000000000000,
		}}})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	order, err := client.GetOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{ClientRef: "MARTIN_LONG_BTCUSDT_ADD1_0002"})
	require.NoError(t, err)

	require.Equal(t, "oid-2", order.OrderID)
	require.Equal(t, "acc-1", order.AccountID)
	require.Equal(t, model.OrderStatusFilled, order.Status)
	require.Equal(t, exchange.SideBuy, order.Side)
	require.Equal(t, model.DirectionLong, order.Direction)
	require.True(t, order.AvgFillPrice.Equal(decimal.NewFromInt(59000)))
	require.Equal(t, int64(1700000000), order.UpdatedAt.Unix())
}

func TestPhemexGetOrderNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPI(w, 0, gOrderRows{})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	_, err := client.GetOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{OrderID: "nope"})
	require.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestPhemexCancelOrder(t *testing.T) {
	var cancelQuery string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api-data/g-futures/orders/by-order-id":
			writeAPI(w, 0, gOrderRows{Rows: []GOrder{{
				OrderID: "oid-3", Symbol: "BTCUSDT", PosSide: "Short", OrdStatus: "New",
			}}})
		case "/g-orders/cancel":
			require.Equal(t, http.MethodDelete, r.Method)
			cancelQuery = r.URL.RawQuery
			writeAPI(w, 0, GOrder{OrderID: "oid-3", OrdStatus: "Canceled"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	err := client.CancelOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{OrderID: "oid-3"})
	require.NoError(t, err)
	require.Equal(t, "orderID=oid-3&posSide=Short&symbol=BTCUSDT", cancelQuery)
}

func TestPhemexCancelFinalOrderIsNoop(t *testing.T) {
	var cancels int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api-data/g-futures/orders/by-order-id":
			if r.URL.Query().Get("orderID") == "gone" {
				_ = json.NewEncoder(w).Encode(APIResponse{Code: 10002, Msg: "OM_ORDER_NOT_FOUND"})
				return
			}
			writeAPI(w, 0, gOrderRows{Rows: []GOrder{{OrderID: "oid-4", OrdStatus: "Filled"}}})
		case "/g-orders/cancel":
			atomic.AddInt32(&cancels, 1)
			writeAPI(w, 0, nil)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	require.NoError(t, client.CancelOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{OrderID: "oid-4"}))
	require.NoError(t, client.CancelOrder(context.Background(), "BTCUSDT", exchange.OrderQuery{OrderID: "gone"}))
	require.Zero(t, atomic.LoadInt32(&cancels))
}

func TestPhemexListOpenOrdersEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/g-orders/activeList", r.URL.Path)
		_ = json.NewEncoder(w).Encode(APIResponse{Code: 10002, Msg: "OM_ORDER_NOT_FOUND"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	orders, err := client.ListOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestPhemexOrderHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api-data/g-futures/orders", r.URL.Path)
		require.Equal(t, "1700000000000", r.URL.Query().Get("start"))

		writeAPI(w, 0, gOrderRows{Rows: []GOrder{
			{OrderID: "a", ClOrdID: "MARTIN_LONG_BTCUSDT_OPEN_0001", OrdStatus: "Filled"},
			{OrderID: "b", ClOrdID: "manual", OrdStatus: "Canceled"},
		}})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	orders, err := client.OrderHistory(context.Background(), "BTCUSDT", time.UnixMilli(1700000000000))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		require.Equal(t, "acc-1", o.AccountID)
	}
	require.Equal(t, model.OrderStatusCanceled, orders[1].Status)
}

func TestPhemexLastPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/md/v3/ticker/24hr", r.URL.Path)
		_ = json.NewEncoder(w).Encode(mdResponse{Result: []byte(`{"lastRp":"60000.5"}`)})
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	price, err := client.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("60000.5")))
}

func TestPhemexGetInstrumentCaches(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"code":0,"data":{"perpProductsV2":[
			{"symbol":"ETHUSDT","tickSize":"0.01","qtyStepSize":"0.01"},
			{"symbol":"BTCUSDT","tickSize":"0.1","qtyStepSize":"0.001"}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client())
	for i := 0; i < 2; i++ {
		inst, err := client.GetInstrument(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		require.True(t, inst.TickSize.Equal(decimal.RequireFromString("0.1")))
		require.True(t, inst.MinLot.Equal(decimal.RequireFromString("0.001")))
		require.True(t, inst.ContractValue.Equal(decimal.NewFromInt(1)))
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err := client.GetInstrument(context.Background(), "DOGEUSDT")
	require.True(t, exchange.IsReject(err))
	require.False(t, errors.Is(err, exchange.ErrOrderNotFound))
	require.True(t, strings.Contains(err.Error(), "DOGEUSDT"))
}

type assertError struct{}

func (assertError) Error() string { return "err" }

func fakeResponse(status int) *resty.Response {
	return &resty.Response{RawResponse: &http.Response{StatusCode: status}}
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
