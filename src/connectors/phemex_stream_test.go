package connectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/model"
)

func newStreamServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPhemexStreamAuthSubscribeAndPush(t *testing.T) {
	authOK := make(chan bool, 1)

	server := newStreamServer(t, func(conn *websocket.Conn) {
		var auth wsRequest
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		expiry := int64(auth.Params[3].(float64))
		authOK <- auth.Method == "user.auth" &&
			auth.Params[1] == "key" &&
			auth.Params[2] == authSignature("key", "secret", expiry)
		_ = conn.WriteJSON(map[string]interface{}{"id": auth.ID, "error": nil, "result": map[string]string{"status": "success"}})

		var sub wsRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"id": sub.ID, "error": nil, "result": map[string]string{"status": "success"}})

		_ = conn.WriteJSON(map[string]interface{}{
			"type": "incremental",
			"orders_p": []GOrder{{
				OrderID:    "oid-9",
				ClOrdID:    "MARTIN_LONG_BTCUSDT_ADD2_0009",
				Symbol:     "BTCUSDT",
				Side:       "Buy",
				PosSide:    "Long",
				OrdType:    "Limit",
				PriceRp:    "58000",
				OrderQtyRq: "0.01",
				CumQtyRq:   "0.01",
				AvgPriceRp: "58000",
				OrdStatus:  "Filled",
			}},
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	stream := NewPhemexStream("key", "secret", "acc-1", Config{PhemexWSURL: wsURL(server), PhemexPingEvery: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan exchange.Order, 1)
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx, out) }()

	require.True(t, <-authOK)

	select {
	case order := <-out:
		require.Equal(t, "oid-9", order.OrderID)
		require.Equal(t, "acc-1", order.AccountID)
		require.Equal(t, model.OrderStatusFilled, order.Status)
		require.Equal(t, "58000", order.AvgFillPrice.String())
	case <-time.After(5 * time.Second):
		t.Fatal("no order pushed")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestPhemexStreamAuthRejected(t *testing.T) {
	server := newStreamServer(t, func(conn *websocket.Conn) {
		var auth wsRequest
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"id": auth.ID, "error": map[string]interface{}{"code": 6001, "message": "invalid signature"}})
	})
	defer server.Close()

	stream := NewPhemexStream("key", "secret", "acc-1", Config{PhemexWSURL: wsURL(server)})

	err := stream.session(context.Background(), make(chan exchange.Order))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid signature")
}
