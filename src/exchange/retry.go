package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
)

// RetryObserver is notified about every retry and every escalation.
type RetryObserver interface {
	Retried(op string)
	Escalated(op string)
}

// RetryPolicy is shared by every exchange call. Transient errors are retried with
// exponential backoff; rejects and inconsistencies are returned at once; an exhausted
// budget becomes a FatalConnectivityError and trips the kill switch.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	kill     *KillSwitch
	observer RetryObserver
}

// NewRetryPolicy builds a policy from config. kill may be nil in tests.
func NewRetryPolicy(config Config, kill *KillSwitch) *RetryPolicy {
	p := &RetryPolicy{
		Attempts:  config.RetryAttempts,
		BaseDelay: config.RetryBaseDelay,
		MaxDelay:  config.RetryMaxDelay,
		kill:      kill,
	}
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	return p
}

// WithObserver attaches a metrics observer.
func (p *RetryPolicy) WithObserver(o RetryObserver) *RetryPolicy {
	p.observer = o
	return p
}

func (p *RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget runs out.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.WithFields(map[string]interface{}{
			"op":      op,
			"attempt": attempts,
			"wait":    wait.String(),
		}).WithError(err).Warn("Exchange call failed, retrying")
		if p.observer != nil {
			p.observer.Retried(op)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return err
	}
	if !retryable(err) {
		return err
	}

	fatal := &FatalConnectivityError{Op: op, Attempts: attempts, Err: err}
	if p.observer != nil {
		p.observer.Escalated(op)
	}
	p.kill.Trip(fatal)
	return fatal
}

// StatusLimiter enforces a minimum spacing between order-status queries.
type StatusLimiter struct {
	limiter *rate.Limiter
}

// NewStatusLimiter allows one status query per spacing. Zero disables the limit.
func NewStatusLimiter(spacing time.Duration) *StatusLimiter {
	if spacing <= 0 {
		return &StatusLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &StatusLimiter{limiter: rate.NewLimiter(rate.Every(spacing), 1)}
}

// Wait blocks until the next query is allowed or ctx is done.
func (l *StatusLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("status query limiter: %w: %v", context.DeadlineExceeded, err)
	}
	return nil
}
