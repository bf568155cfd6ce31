package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrOrderNotFound is returned by GetOrder when the exchange does not know the order.
var ErrOrderNotFound = errors.New("order not found")

// TransientNetworkError is retried with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ExchangeRejectError is a business-rule rejection. It is never retried blindly.
type ExchangeRejectError struct {
	Op        string
	Code      int64
	Msg       string
	Duplicate bool // client reference already used
}

func (e *ExchangeRejectError) Error() string {
	return fmt.Sprintf("%s: rejected by exchange (code %d): %s", e.Op, e.Code, e.Msg)
}

// DataInconsistencyError means local expectations and exchange truth disagree beyond tolerance.
// The affected strategy is suspended; other strategies keep running.
type DataInconsistencyError struct {
	StrategyKey string
	Reason      string
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("%s: data inconsistency: %s", e.StrategyKey, e.Reason)
}

// FatalConnectivityError is raised once the retry budget is exhausted. It trips the kill switch.
type FatalConnectivityError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FatalConnectivityError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FatalConnectivityError) Unwrap() error { return e.Err }

// IsDuplicateReject reports whether err is a duplicate client reference rejection.
func IsDuplicateReject(err error) bool {
	var rej *ExchangeRejectError
	return errors.As(err, &rej) && rej.Duplicate
}

// IsReject reports whether err is any business rejection.
func IsReject(err error) bool {
	var rej *ExchangeRejectError
	return errors.As(err, &rej)
}

// IsFatal reports whether err escalated to the kill switch.
func IsFatal(err error) bool {
	var fatal *FatalConnectivityError
	return errors.As(err, &fatal)
}

// IsInconsistency reports whether err is a DataInconsistencyError.
func IsInconsistency(err error) bool {
	var inc *DataInconsistencyError
	return errors.As(err, &inc)
}

// retryable decides which errors the retry policy should repeat. Only transient
// network failures are; untyped errors are local or data errors and fail at once.
func retryable(err error) bool {
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		return true
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
