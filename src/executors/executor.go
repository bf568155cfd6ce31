// Package executors wires one account's strategies, its exchange client and the
// control surface into a running process.
package executors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"martingaleexecutor/src/connectors"
	"martingaleexecutor/src/database"
	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/hedge"
	"martingaleexecutor/src/ledger"
	"martingaleexecutor/src/metrics"
	"martingaleexecutor/src/orchestrator"
	"martingaleexecutor/src/recovery"
	"martingaleexecutor/src/repository"
	"martingaleexecutor/src/server"
	"martingaleexecutor/src/store"
	"martingaleexecutor/src/worker"
)

// Venue is the exchange side of a runtime. Stream is nil when the venue has no push channel.
type Venue struct {
	Client exchange.Client
	Stream exchange.OrderStream
}

// newVenue is swapped in tests.
var newVenue = func(config Config, apiKey, apiSecret string, cc connectors.Config) (Venue, error) {
	switch strings.ToLower(config.TargetExchange) {
	case "phemex":
		v := Venue{Client: connectors.NewPhemexClient(apiKey, apiSecret, config.AccountID, cc)}
		if config.UsePushStream {
			v.Stream = connectors.NewPhemexStream(apiKey, apiSecret, config.AccountID, cc)
		}
		return v, nil
	case "binance":
		return Venue{Client: connectors.NewBinanceClient(apiKey, apiSecret, config.AccountID, cc)}, nil
	}
	return Venue{}, fmt.Errorf("unsupported exchange %q", config.TargetExchange)
}

// Options are the collaborators a Runtime is built from.
type Options struct {
	Config       Config
	Strategies   []Strategy
	Venue        Venue
	DB           *gorm.DB
	Exchange     exchange.Config
	Recovery     recovery.Config
	Worker       worker.Config
	Store        store.Config
	Hedge        hedge.Config
	Orchestrator orchestrator.Config
	Server       *server.Config
}

// Runtime is a fully wired executor for one account.
type Runtime struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Kill         *exchange.KillSwitch

	opts      Options
	tradeCtx  context.Context
	snapshots *store.Snapshotter
	hedge     *hedge.Client

	exitOnce sync.Once
	exit     chan struct{}
}

// Build wires a runtime. Trading stops when ctx is done or the kill switch trips.
func Build(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Venue.Client == nil {
		return nil, errors.New("runtime needs an exchange client")
	}
	if len(opts.Strategies) == 0 {
		return nil, errors.New("runtime needs at least one strategy")
	}
	if opts.Server == nil {
		opts.Server = &server.Config{Port: "9898"}
	}

	m := metrics.New()
	tradeCtx, kill := exchange.NewKillSwitch(ctx)
	policy := exchange.NewRetryPolicy(opts.Exchange, kill).WithObserver(m)
	client := exchange.NewGuardedClient(opts.Venue.Client, policy, exchange.NewStatusLimiter(opts.Exchange.StatusQueryEvery))

	l := ledger.New(opts.Config.RefPrefix, opts.Config.AccountID)
	rec := recovery.NewService(client, l, opts.Recovery)
	snapshots := store.NewSnapshotter(snapshotBackend(opts), opts.Config.AccountID, opts.Store.MinInterval)

	orch := orchestrator.New(opts.Orchestrator, l)
	if opts.Venue.Stream != nil {
		orch.WithStream(opts.Venue.Stream)
	}

	rt := &Runtime{
		Orchestrator: orch,
		Metrics:      m,
		Kill:         kill,
		opts:         opts,
		tradeCtx:     tradeCtx,
		snapshots:    snapshots,
		exit:         make(chan struct{}),
	}

	if opts.Hedge.Enabled {
		rt.hedge = hedge.NewClient(hedge.NewRedisTransport(opts.Hedge))
		orch.WithBackground("hedge", rt.hedge)
	}

	for _, s := range opts.Strategies {
		deps := worker.Deps{
			Client:   client,
			Ledger:   l,
			Recovery: rec,
			Store:    snapshots,
			Events:   orch.Events(),
			Kill:     kill,
			Observer: m,
		}
		if rt.hedge != nil {
			deps.Hedge = rt.hedge
		}
		if opts.DB != nil {
			deps.Exceptions = repository.NewExceptionRepository().WithDB(opts.DB)
			deps.Orders = repository.NewOrderRepository().WithDB(opts.DB)
		}
		w, err := worker.New(s.Symbol, s.Params, opts.Worker, deps)
		if err != nil {
			return nil, err
		}
		if err := orch.Add(w); err != nil {
			return nil, err
		}
	}

	logger.WithFields(map[string]interface{}{
		"account":    opts.Config.AccountID,
		"exchange":   opts.Config.TargetExchange,
		"strategies": orch.Keys(),
		"stream":     opts.Venue.Stream != nil,
		"hedge":      rt.hedge != nil,
		"db":         opts.DB != nil,
	}).Info("Executor runtime built")
	return rt, nil
}

func snapshotBackend(opts Options) store.Backend {
	if strings.EqualFold(opts.Store.Backend, "file") || opts.DB == nil {
		if !strings.EqualFold(opts.Store.Backend, "file") {
			logger.Warn("No database available, snapshots go to JSON files")
		}
		return store.NewFileBackend(opts.Store.Dir)
	}
	return store.NewDBBackend(repository.NewStrategyStateRepository().WithDB(opts.DB))
}

// Exit asks Run to shut down. Safe to call more than once.
func (rt *Runtime) Exit() {
	rt.exitOnce.Do(func() { close(rt.exit) })
}

// Run serves the control surface and runs the workers until ctx is done, Exit is
// called, every worker stopped or the kill switch tripped.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Orchestrator.Start(rt.tradeCtx); err != nil {
		return err
	}

	srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	srvDone := make(chan error, 1)
	router := server.NewRouter(rt.opts.Server, rt.Orchestrator, rt.Metrics.Handler(), rt.Exit)
	go func() { srvDone <- server.Run(srvCtx, rt.opts.Server, router) }()

	var reason string
	select {
	case <-ctx.Done():
		reason = "signal"
	case <-rt.exit:
		reason = "exit command"
	case <-rt.Orchestrator.Done():
		reason = "all workers stopped"
	case err := <-srvDone:
		srvDone <- err
		reason = "control server failed"
		logger.WithError(err).Error("Control server stopped")
	}
	logger.WithField("reason", reason).Info("Executor shutting down")

	runErr := rt.Orchestrator.Shutdown(rt.opts.Orchestrator.ShutdownTimeout)
	if err := rt.snapshots.Flush(context.WithoutCancel(ctx)); err != nil {
		logger.WithError(err).Warn("Final snapshot flush failed")
	}
	if rt.hedge != nil {
		if err := rt.hedge.Close(); err != nil {
			logger.WithError(err).Warn("Hedge transport close failed")
		}
	}
	stopServer()
	if err := <-srvDone; err != nil {
		logger.WithError(err).Warn("Control server stopped with error")
	}

	if cause := rt.Kill.Cause(); cause != nil {
		return fmt.Errorf("kill switch: %w", cause)
	}
	return runErr
}

// Start is the process entry point: it loads configuration from the environment,
// connects to the database and the exchange, and runs until ctx is done.
func Start(ctx context.Context) error {
	config := GetConfig()

	strategies, err := LoadStrategies(config)
	if err != nil {
		return err
	}

	var db *gorm.DB
	if database.GetConfig().EnableDB {
		if err := database.InitMainDB(); err != nil {
			return err
		}
		db = database.MainDB
	}

	var accounts accountGetter
	if db != nil {
		accounts = repository.NewAccountRepository().WithDB(db)
	}
	apiKey, apiSecret, err := ResolveCredentials(ctx, config, accounts)
	if err != nil {
		return err
	}

	venue, err := newVenue(config, apiKey, apiSecret, connectors.GetConfig())
	if err != nil {
		return err
	}

	rt, err := Build(ctx, Options{
		Config:       config,
		Strategies:   strategies,
		Venue:        venue,
		DB:           db,
		Exchange:     exchange.GetConfig(),
		Recovery:     recovery.GetConfig(),
		Worker:       worker.GetConfig(),
		Store:        store.GetConfig(),
		Hedge:        hedge.GetConfig(),
		Orchestrator: orchestrator.GetConfig(),
		Server:       server.GetConfig(),
	})
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}
