package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/auth"
	"martingaleexecutor/src/handler"
	"martingaleexecutor/src/orchestrator"
)

// NewRouter builds the control surface. /healthcheck and /metrics stay public,
// everything else sits behind the control token.
func NewRouter(config *Config, orch *orchestrator.Orchestrator, metrics http.Handler, exit func()) http.Handler {
	// Router with middleware
	r := chi.NewRouter()
	// === Global Middleware ===
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// Control routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(config.ControlToken))
		r.Get("/strategies", handler.ListStrategiesHandler(orch))
		r.Get("/strategies/{key}", handler.GetStrategyHandler(orch))
		r.Post("/strategies/{key}/commands", handler.StrategyCommandHandler(orch))
		r.Post("/commands", handler.BroadcastCommandHandler(orch))
		r.Post("/exit", handler.ExitHandler(exit))
	})
	return r
}

// Run serves h until ctx is done, then shuts the server down gracefully.
func Run(ctx context.Context, config *Config, h http.Handler) error {
	addr := ":" + config.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, config, ln, h)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, config *Config, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down control server gracefully...")
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return <-errCh
}
