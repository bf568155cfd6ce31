package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/metrics"
	"martingaleexecutor/src/model"
	"martingaleexecutor/src/orchestrator"
	"martingaleexecutor/src/worker"
)

type idleRunner struct{ key string }

func (r idleRunner) Key() string { return r.key }
func (r idleRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (r idleRunner) Send(cmd worker.Command) error {
	if cmd.Reply != nil {
		cmd.Reply <- r.Status()
	}
	return nil
}
func (r idleRunner) Notify(exchange.Order) {}
func (r idleRunner) Status() worker.Status {
	return worker.Status{StrategyKey: r.key, State: model.StateActive, Mode: model.ModeNormal}
}

func newTestRouter(t *testing.T, token string, exit func()) http.Handler {
	t.Helper()
	orch := orchestrator.New(orchestrator.Config{}, nil)
	require.NoError(t, orch.Add(idleRunner{key: "BTCUSDT_LONG"}))
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Shutdown(time.Second) })

	m := metrics.New()
	m.CycleCompleted("BTCUSDT_LONG")
	return NewRouter(&Config{ControlToken: token}, orch, m.Handler(), exit)
}

func TestHealthcheckAndMetricsArePublic(t *testing.T) {
	router := newTestRouter(t, "s3cret", func() {})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `martingale_cycles_total{strategy="BTCUSDT_LONG"} 1`)
}

func TestControlRoutesNeedToken(t *testing.T) {
	router := newTestRouter(t, "s3cret", func() {})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/strategies", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/strategies", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var got []worker.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "BTCUSDT_LONG", got[0].StrategyKey)
}

func TestCommandAndExitRoutes(t *testing.T) {
	exited := make(chan struct{})
	router := newTestRouter(t, "", func() { close(exited) })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/strategies/BTCUSDT_LONG/commands", strings.NewReader(`{"action":"status"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/exit", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit callback not invoked")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router := newTestRouter(t, "", func() {})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, &Config{ShutdownTimeout: time.Second}, ln, router) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthcheck")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body) == "OK"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
