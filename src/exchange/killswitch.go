package exchange

import (
	"context"
	"errors"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// ErrKillSwitch is the cancellation cause when no specific error was given.
var ErrKillSwitch = errors.New("kill switch tripped")

// KillSwitch halts every worker by cancelling the shared root context.
type KillSwitch struct {
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	cause error
}

// NewKillSwitch derives the root trading context from parent.
func NewKillSwitch(parent context.Context) (context.Context, *KillSwitch) {
	ctx, cancel := context.WithCancelCause(parent)
	return ctx, &KillSwitch{cancel: cancel}
}

// Trip cancels the trading context. Only the first cause is kept.
func (k *KillSwitch) Trip(err error) {
	if k == nil {
		return
	}
	if err == nil {
		err = ErrKillSwitch
	}

	k.mu.Lock()
	first := k.cause == nil
	if first {
		k.cause = err
	}
	k.mu.Unlock()

	if first {
		logger.WithError(err).Error("KILL SWITCH tripped, halting all trading")
		k.cancel(err)
	}
}

// Tripped reports whether Trip has been called.
func (k *KillSwitch) Tripped() bool {
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cause != nil
}

// Cause returns the error that tripped the switch, or nil.
func (k *KillSwitch) Cause() error {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cause
}
