package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/exchange"
)

var _ exchange.OrderStream = (*PhemexStream)(nil)

// PhemexStream pushes private order updates (aop_p channel) into the worker reconcile path.
// A dropped connection is redialed with exponential backoff until ctx is done.
type PhemexStream struct {
	apiKey    string
	apiSecret string
	wsURL     string
	accountID string
	pingEvery time.Duration
	dialer    *websocket.Dialer

	nextID atomic.Int64
}

type wsRequest struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type wsReply struct {
	ID    int64 `json:"id"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

type wsPush struct {
	OrdersP []GOrder `json:"orders_p"`
	Type    string   `json:"type"`
}

func NewPhemexStream(apiKey, apiSecret, accountID string, config Config) *PhemexStream {
	ping := config.PhemexPingEvery
	if ping <= 0 {
		ping = 20 * time.Second
	}
	return &PhemexStream{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     config.PhemexWSURL,
		accountID: accountID,
		pingEvery: ping,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// authSignature is HMAC-SHA256(secret, apiKey + expiry).
func authSignature(apiKey, secret string, expiry int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s%d", apiKey, expiry)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Run blocks until ctx is done. It returns nil on cancellation.
func (s *PhemexStream) Run(ctx context.Context, out chan<- exchange.Order) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0

	operation := func() error {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.WithFields(map[string]interface{}{
			"stream": "phemex",
			"wait":   wait.String(),
		}).WithError(err).Warn("Order stream dropped, reconnecting")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(exp, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *PhemexStream) session(ctx context.Context, out chan<- exchange.Order) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(method string, params ...interface{}) (int64, error) {
		if params == nil {
			params = []interface{}{}
		}
		id := s.nextID.Add(1)
		writeMu.Lock()
		defer writeMu.Unlock()
		return id, conn.WriteJSON(wsRequest{ID: id, Method: method, Params: params})
	}

	expiry := time.Now().Add(2 * time.Minute).Unix()
	authID, err := send("user.auth", "API", s.apiKey, authSignature(s.apiKey, s.apiSecret, expiry), expiry)
	if err != nil {
		return fmt.Errorf("ws auth send failed: %w", err)
	}
	if err := s.awaitReply(conn, authID); err != nil {
		return fmt.Errorf("ws auth failed: %w", err)
	}

	subID, err := send("aop_p.subscribe")
	if err != nil {
		return fmt.Errorf("ws subscribe send failed: %w", err)
	}
	if err := s.awaitReply(conn, subID); err != nil {
		return fmt.Errorf("ws subscribe failed: %w", err)
	}

	logger.WithField("stream", "phemex").Info("Order stream subscribed")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if _, err := send("server.ping"); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read failed: %w", err)
		}

		var push wsPush
		if err := json.Unmarshal(msg, &push); err != nil {
			logger.WithField("stream", "phemex").WithError(err).Debug("Skipping undecodable frame")
			continue
		}
		for _, row := range push.OrdersP {
			select {
			case out <- toExchangeOrder(row, s.accountID):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// awaitReply reads frames until the reply for id arrives. Pushes before it are dropped;
// the worker poll catches up on anything missed.
func (s *PhemexStream) awaitReply(conn *websocket.Conn, id int64) error {
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var reply wsReply
		if err := conn.ReadJSON(&reply); err != nil {
			return err
		}
		if reply.ID != id {
			continue
		}
		if reply.Error != nil {
			return fmt.Errorf("code %d: %s", reply.Error.Code, reply.Error.Message)
		}
		return nil
	}
}
