package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/auth"
	"martingaleexecutor/src/model"
	"martingaleexecutor/src/orchestrator"
	"martingaleexecutor/src/worker"
)

// strategyController is the part of the orchestrator the control surface needs.
type strategyController interface {
	Statuses() []worker.Status
	Status(key string) (worker.Status, bool)
	LastEvent(key string) (worker.Event, bool)
	Request(ctx context.Context, key string, cmd worker.Command) (worker.Status, error)
	Broadcast(cmd worker.Command) map[string]error
}

// CommandPayload is the body of the command endpoints.
type CommandPayload struct {
	Action string `json:"action"`
	Mode   string `json:"mode,omitempty"`
}

type strategyDetail struct {
	Status    worker.Status `json:"status"`
	LastEvent *worker.Event `json:"last_event,omitempty"`
}

type broadcastResult struct {
	Action  worker.CommandAction `json:"action"`
	Results map[string]string    `json:"results"`
}

// ListStrategiesHandler returns the status of every strategy ordered by key.
func ListStrategiesHandler(ctrl strategyController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Statuses())
	}
}

// GetStrategyHandler returns one strategy's status and its last event.
func GetStrategyHandler(ctrl strategyController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		st, ok := ctrl.Status(key)
		if !ok {
			http.Error(w, "unknown strategy", http.StatusNotFound)
			return
		}
		detail := strategyDetail{Status: st}
		if ev, ok := ctrl.LastEvent(key); ok {
			detail.LastEvent = &ev
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// StrategyCommandHandler queues a command on one strategy and answers with the
// status the worker reported after handling it.
func StrategyCommandHandler(ctrl strategyController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		cmd, ok := decodeCommand(w, r)
		if !ok {
			return
		}
		logCommand(r, key, cmd)

		st, err := ctrl.Request(r.Context(), key, cmd)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, st)
		case errors.Is(err, orchestrator.ErrUnknownStrategy):
			http.Error(w, "unknown strategy", http.StatusNotFound)
		case errors.Is(err, worker.ErrCommandQueueFull):
			http.Error(w, "command queue full", http.StatusTooManyRequests)
		case errors.Is(err, worker.ErrStopped):
			http.Error(w, "strategy stopped", http.StatusConflict)
		case errors.Is(err, orchestrator.ErrNoReply):
			// queued but not handled yet
			writeJSON(w, http.StatusAccepted, st)
		default:
			logger.WithError(err).WithField("strategy", key).Error("failed to deliver command")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// BroadcastCommandHandler queues a command on every strategy.
func BroadcastCommandHandler(ctrl strategyController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := decodeCommand(w, r)
		if !ok {
			return
		}
		logCommand(r, "*", cmd)

		out := broadcastResult{Action: cmd.Action, Results: map[string]string{}}
		for key, err := range ctrl.Broadcast(cmd) {
			if err != nil {
				out.Results[key] = err.Error()
				continue
			}
			out.Results[key] = "queued"
		}
		writeJSON(w, http.StatusAccepted, out)
	}
}

// ExitHandler asks the process to shut down. The response is written before exit runs.
func ExitHandler(exit func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, _ := auth.GetOperatorFromContext(r.Context())
		logger.WithField("operator", op).Warn("exit requested through control surface")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "exiting"})
		go exit()
	}
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (worker.Command, bool) {
	var payload CommandPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		logger.WithError(err).Warn("invalid command payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return worker.Command{}, false
	}
	action, ok := worker.ParseCommandAction(payload.Action)
	if !ok {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return worker.Command{}, false
	}
	cmd := worker.Command{Action: action}
	if action == worker.CommandSetMode {
		mode, err := model.ParseExecutionMode(payload.Mode)
		if err != nil {
			http.Error(w, "invalid mode", http.StatusBadRequest)
			return worker.Command{}, false
		}
		cmd.Mode = mode
	}
	return cmd, true
}

func logCommand(r *http.Request, key string, cmd worker.Command) {
	op, _ := auth.GetOperatorFromContext(r.Context())
	logger.WithFields(map[string]interface{}{
		"strategy": key,
		"action":   cmd.Action,
		"mode":     cmd.Mode,
		"operator": op,
	}).Info("control command received")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
