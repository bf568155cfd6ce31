package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"martingaleexecutor/src/auth"
	"martingaleexecutor/src/model"
	"martingaleexecutor/src/worker"
)

type seenRequest struct {
	method, path, body, token, operator string
}

func newControlServer(t *testing.T) (*httptest.Server, func() []seenRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []seenRequest

	mux := http.NewServeMux()
	record := func(r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, seenRequest{
			method:   r.Method,
			path:     r.URL.Path,
			body:     string(body),
			token:    r.Header.Get("Authorization"),
			operator: r.Header.Get(auth.OperatorHeader),
		})
		mu.Unlock()
	}
	writeJSON := func(w http.ResponseWriter, code int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/strategies", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, []worker.Status{{StrategyKey: "BTCUSDT_LONG", State: model.StateActive}})
	})
	mux.HandleFunc("/strategies/BTCUSDT_LONG", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, StrategyDetail{
			Status:    worker.Status{StrategyKey: "BTCUSDT_LONG", Mode: model.ModePositionOnly},
			LastEvent: &worker.Event{StrategyKey: "BTCUSDT_LONG", Type: worker.EventModeChanged, Time: time.Unix(1700000000, 0).UTC()},
		})
	})
	mux.HandleFunc("/strategies/BTCUSDT_LONG/commands", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, worker.Status{StrategyKey: "BTCUSDT_LONG", State: model.StateWindingDown})
	})
	mux.HandleFunc("/strategies/XRPUSDT_LONG/commands", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		http.Error(w, "unknown strategy", http.StatusNotFound)
	})
	mux.HandleFunc("/commands", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusAccepted, BroadcastResult{
			Action:  worker.CommandCloseWait,
			Results: map[string]string{"BTCUSDT_LONG": "queued", "ETHUSDT_SHORT": "worker stopped"},
		})
	})
	mux.HandleFunc("/exit", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "exiting"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func TestStopSingleAndBroadcast(t *testing.T) {
	srv, seen := newControlServer(t)
	c := New(Config{URL: srv.URL + "/", Token: "s3cret", Operator: "ops-1", Timeout: time.Second})
	ctx := context.Background()

	res, err := c.Stop(ctx, "BTCUSDT_LONG", false)
	require.NoError(t, err)
	require.Equal(t, worker.CommandClosePosition, res.Action)

	res, err = c.Stop(ctx, "", true)
	require.NoError(t, err)
	require.Equal(t, "worker stopped", res.Results["ETHUSDT_SHORT"])

	reqs := seen()
	require.Len(t, reqs, 2)
	require.Equal(t, "/strategies/BTCUSDT_LONG/commands", reqs[0].path)
	require.JSONEq(t, `{"action":"close_position"}`, reqs[0].body)
	require.Equal(t, "Bearer s3cret", reqs[0].token)
	require.Equal(t, "ops-1", reqs[0].operator)
	require.Equal(t, "/commands", reqs[1].path)
	require.JSONEq(t, `{"action":"close_wait"}`, reqs[1].body)
}

func TestStopUnknownStrategy(t *testing.T) {
	srv, _ := newControlServer(t)
	c := New(Config{URL: srv.URL, Timeout: time.Second})

	_, err := c.Stop(context.Background(), "XRPUSDT_LONG", false)
	require.ErrorContains(t, err, "404")
	require.ErrorContains(t, err, "unknown strategy")
}

func TestStatusAndExit(t *testing.T) {
	srv, seen := newControlServer(t)
	c := New(Config{URL: srv.URL, Timeout: time.Second})
	ctx := context.Background()

	all, err := c.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, model.StateActive, all[0].State)

	detail, err := c.Strategy(ctx, "BTCUSDT_LONG")
	require.NoError(t, err)
	require.Equal(t, model.ModePositionOnly, detail.Status.Mode)
	require.Equal(t, worker.EventModeChanged, detail.LastEvent.Type)

	require.NoError(t, c.Exit(ctx))
	reqs := seen()
	require.Equal(t, http.MethodPost, reqs[len(reqs)-1].method)
	require.Equal(t, "/exit", reqs[len(reqs)-1].path)
	require.Empty(t, reqs[0].token)
}
