// Package orchestrator runs one worker per strategy key and routes commands,
// events and pushed order updates between them and the outside world.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/ledger"
	"martingaleexecutor/src/worker"
)

var (
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrDuplicateKey      = errors.New("strategy already registered")
	ErrAlreadyStarted    = errors.New("orchestrator already started")
	ErrNotStarted        = errors.New("orchestrator not started")
	ErrShutdownTimeout   = errors.New("workers still running after shutdown timeout")
	ErrNoReply           = errors.New("worker did not reply in time")
	errNothingToRun      = errors.New("no strategies configured")
	errStreamNeedsLedger = errors.New("order stream needs a ledger")
)

// Runner is the part of a worker the orchestrator drives.
type Runner interface {
	Key() string
	Run(ctx context.Context) error
	Send(cmd worker.Command) error
	Notify(order exchange.Order)
	Status() worker.Status
}

// Background is an auxiliary loop that lives as long as the workers, e.g. the hedge client.
type Background interface {
	Run(ctx context.Context) error
}

type Orchestrator struct {
	config Config
	ledger *ledger.Ledger
	stream exchange.OrderStream
	aux    map[string]Background

	events chan worker.Event

	mu        sync.RWMutex
	workers   map[string]Runner
	keys      []string
	running   map[string]bool
	lastEvent map[string]worker.Event
	reported  map[string]worker.Status

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func New(config Config, l *ledger.Ledger) *Orchestrator {
	config = config.withDefaults()
	return &Orchestrator{
		config:    config,
		ledger:    l,
		aux:       map[string]Background{},
		events:    make(chan worker.Event, config.EventBuffer),
		workers:   map[string]Runner{},
		running:   map[string]bool{},
		lastEvent: map[string]worker.Event{},
		reported:  map[string]worker.Status{},
	}
}

// Events is the channel workers publish on. It is closed after every worker returned.
func (o *Orchestrator) Events() chan<- worker.Event { return o.events }

// WithStream routes pushed order updates to the worker owning each order.
func (o *Orchestrator) WithStream(s exchange.OrderStream) *Orchestrator {
	o.stream = s
	return o
}

// WithBackground runs b next to the workers under the same context.
func (o *Orchestrator) WithBackground(name string, b Background) *Orchestrator {
	o.aux[name] = b
	return o
}

// Add registers a runner. It must be called before Start.
func (o *Orchestrator) Add(r Runner) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		return ErrAlreadyStarted
	}
	key := r.Key()
	if _, ok := o.workers[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrDuplicateKey)
	}
	o.workers[key] = r
	o.keys = append(o.keys, key)
	sort.Strings(o.keys)
	return nil
}

func (o *Orchestrator) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.keys...)
}

// Start launches every worker, the reporter and the auxiliary loops. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.done != nil {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(o.workers) == 0 {
		o.mu.Unlock()
		return errNothingToRun
	}
	if o.stream != nil && o.ledger == nil {
		o.mu.Unlock()
		return errStreamNeedsLedger
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	runners := make([]Runner, 0, len(o.keys))
	for _, key := range o.keys {
		runners = append(runners, o.workers[key])
		o.running[key] = true
	}
	o.mu.Unlock()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		o.report()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			defer o.markStopped(r.Key())
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("strategy %s: %w", r.Key(), err)
			}
			return nil
		})
	}

	// Auxiliary loops stop with the workers, not before them.
	auxCtx, auxCancel := context.WithCancel(context.WithoutCancel(gctx))
	var aux sync.WaitGroup
	if o.stream != nil {
		aux.Add(1)
		go func() {
			defer aux.Done()
			o.routeStream(auxCtx)
		}()
	}
	for name, b := range o.aux {
		name, b := name, b
		aux.Add(1)
		go func() {
			defer aux.Done()
			if err := b.Run(auxCtx); err != nil {
				logger.WithError(err).WithField("loop", name).Warn("Background loop ended with error")
			}
		}()
	}

	go func() {
		err := g.Wait()
		cancel()
		auxCancel()
		aux.Wait()
		close(o.events)
		<-reporterDone
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		close(o.done)
	}()

	logger.WithField("strategies", o.Keys()).Info("Orchestrator started")
	return nil
}

// Wait blocks until every worker returned and yields the first worker error.
func (o *Orchestrator) Wait() error {
	o.mu.RLock()
	done := o.done
	o.mu.RUnlock()
	if done == nil {
		return ErrNotStarted
	}
	<-done
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.err
}

// Done is closed once every worker returned.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.done
}

// Shutdown cancels the shared context and waits up to timeout for the workers.
// Workers that are still running afterwards are logged and left behind.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	o.mu.RLock()
	done, cancel := o.done, o.cancel
	o.mu.RUnlock()
	if done == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = o.config.ShutdownTimeout
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if o.err != nil {
			logger.WithError(o.err).Warn("Orchestrator stopped with error")
		} else {
			logger.Info("Orchestrator stopped")
		}
		return o.err
	case <-timer.C:
		stuck := o.stillRunning()
		logger.WithFields(map[string]interface{}{
			"strategies": stuck,
			"timeout":    timeout.String(),
		}).Error("Workers did not stop in time")
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, stuck)
	}
}

func (o *Orchestrator) markStopped(key string) {
	o.mu.Lock()
	o.running[key] = false
	o.mu.Unlock()
}

func (o *Orchestrator) stillRunning() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []string
	for _, key := range o.keys {
		if o.running[key] {
			out = append(out, key)
		}
	}
	return out
}

// Running reports whether the worker for key has not returned yet.
func (o *Orchestrator) Running(key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running[key]
}

func (o *Orchestrator) runner(key string) (Runner, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.workers[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownStrategy)
	}
	return r, nil
}

// Send queues cmd on the worker for key.
func (o *Orchestrator) Send(key string, cmd worker.Command) error {
	r, err := o.runner(key)
	if err != nil {
		return err
	}
	return r.Send(cmd)
}

// Request sends cmd and waits for the worker's status reply.
func (o *Orchestrator) Request(ctx context.Context, key string, cmd worker.Command) (worker.Status, error) {
	r, err := o.runner(key)
	if err != nil {
		return worker.Status{}, err
	}
	reply := make(chan worker.Status, 1)
	cmd.Reply = reply
	if err := r.Send(cmd); err != nil {
		return worker.Status{}, err
	}

	timer := time.NewTimer(o.config.ReplyTimeout)
	defer timer.Stop()
	select {
	case st := <-reply:
		return st, nil
	case <-timer.C:
		return r.Status(), fmt.Errorf("%s: %w", key, ErrNoReply)
	case <-ctx.Done():
		return worker.Status{}, ctx.Err()
	}
}

// Broadcast queues cmd on every worker. Replies are not collected.
func (o *Orchestrator) Broadcast(cmd worker.Command) map[string]error {
	cmd.Reply = nil
	out := map[string]error{}
	for _, key := range o.Keys() {
		r, err := o.runner(key)
		if err == nil {
			err = r.Send(cmd)
		}
		out[key] = err
		if err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"strategy": key,
				"action":   cmd.Action,
			}).Warn("Broadcast command not delivered")
		}
	}
	return out
}

// Status is the live status of the worker for key.
func (o *Orchestrator) Status(key string) (worker.Status, bool) {
	r, err := o.runner(key)
	if err != nil {
		return worker.Status{}, false
	}
	return r.Status(), true
}

// Statuses lists every worker's status ordered by key.
func (o *Orchestrator) Statuses() []worker.Status {
	keys := o.Keys()
	out := make([]worker.Status, 0, len(keys))
	for _, key := range keys {
		if st, ok := o.Status(key); ok {
			out = append(out, st)
		}
	}
	return out
}

// LastEvent is the most recent event the worker for key published.
func (o *Orchestrator) LastEvent(key string) (worker.Event, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ev, ok := o.lastEvent[key]
	return ev, ok
}

// Reported is the last status a worker attached to an event.
func (o *Orchestrator) Reported(key string) (worker.Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.reported[key]
	return st, ok
}

// report is the single consumer of the event channel.
func (o *Orchestrator) report() {
	for ev := range o.events {
		o.mu.Lock()
		o.lastEvent[ev.StrategyKey] = ev
		if ev.Status != nil {
			o.reported[ev.StrategyKey] = *ev.Status
		}
		o.mu.Unlock()

		entry := logger.WithFields(map[string]interface{}{
			"strategy": ev.StrategyKey,
			"event":    ev.Type,
		})
		if ev.Status != nil {
			entry = entry.WithFields(map[string]interface{}{
				"state":    ev.Status.State,
				"mode":     ev.Status.Mode,
				"size":     ev.Status.Position.Size.String(),
				"avgPrice": ev.Status.Position.AvgCost.String(),
				"adds":     ev.Status.Position.AddCount,
			})
		}
		switch ev.Type {
		case worker.EventFatal:
			entry.Error(ev.Message)
		case worker.EventSuspended, worker.EventCommandRejected:
			entry.Warn(ev.Message)
		default:
			entry.Info(ev.Message)
		}
	}
}

// routeStream forwards pushed order updates to the owning worker. Orders without
// one of our references are ignored.
func (o *Orchestrator) routeStream(ctx context.Context) {
	updates := make(chan exchange.Order, o.config.StreamBuffer)
	errCh := make(chan error, 1)
	go func() { errCh <- o.stream.Run(ctx, updates) }()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("Order stream stopped, relying on polling")
			}
			return
		case u := <-updates:
			o.route(u)
		}
	}
}

func (o *Orchestrator) route(u exchange.Order) {
	if !o.ledger.IsMine(u) {
		return
	}
	ref := o.ledger.Parse(u.ClientRef)
	r, err := o.runner(ref.StrategyKey())
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"clientRef": u.ClientRef,
			"orderId":   u.OrderID,
		}).Debug("Order update for a strategy not running here")
		return
	}
	r.Notify(u)
}
