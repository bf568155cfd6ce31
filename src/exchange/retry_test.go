package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	retried   int
	escalated int
}

func (o *countingObserver) Retried(string)   { o.retried++ }
func (o *countingObserver) Escalated(string) { o.escalated++ }

func fastPolicy(kill *KillSwitch) *RetryPolicy {
	return NewRetryPolicy(Config{
		RetryAttempts:  5,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
	}, kill)
}

func TestRetryPolicyRetriesTransientErrors(t *testing.T) {
	obs := &countingObserver{}
	policy := fastPolicy(nil).WithObserver(obs)

	calls := 0
	err := policy.Do(context.Background(), "GetOrder", func() error {
		calls++
		if calls < 3 {
			return &TransientNetworkError{Op: "GetOrder", Err: errors.New("connection reset")}
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, obs.retried)
	require.Zero(t, obs.escalated)
}

func TestRetryPolicyDoesNotRetryRejects(t *testing.T) {
	policy := fastPolicy(nil)

	calls := 0
	err := policy.Do(context.Background(), "PlaceOrder", func() error {
		calls++
		return &ExchangeRejectError{Op: "PlaceOrder", Code: 11081, Msg: "TE_CLIENT_ID_EXIST", Duplicate: true}
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.True(t, IsDuplicateReject(err))
	require.False(t, IsFatal(err))
}

func TestRetryPolicyExhaustionTripsKillSwitch(t *testing.T) {
	ctx, kill := NewKillSwitch(context.Background())
	obs := &countingObserver{}
	policy := fastPolicy(kill).WithObserver(obs)

	calls := 0
	err := policy.Do(ctx, "GetPosition", func() error {
		calls++
		return &TransientNetworkError{Op: "GetPosition", Err: errors.New("timeout")}
	})

	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Equal(t, 5, calls)
	require.Equal(t, 1, obs.escalated)
	require.True(t, kill.Tripped())

	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected trading context to be cancelled")
	}

	var fatal *FatalConnectivityError
	require.ErrorAs(t, context.Cause(ctx), &fatal)
	require.Equal(t, "GetPosition", fatal.Op)
}

func TestRetryPolicyStopsOnCancelledContextWithoutTripping(t *testing.T) {
	_, kill := NewKillSwitch(context.Background())
	policy := fastPolicy(kill)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := policy.Do(ctx, "GetOrder", func() error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
	require.False(t, kill.Tripped())
}

func TestKillSwitchKeepsFirstCause(t *testing.T) {
	ctx, kill := NewKillSwitch(context.Background())
	first := errors.New("first")

	kill.Trip(first)
	kill.Trip(errors.New("second"))

	require.Equal(t, first, kill.Cause())
	require.Equal(t, first, context.Cause(ctx))

	var nilSwitch *KillSwitch
	nilSwitch.Trip(first)
	require.False(t, nilSwitch.Tripped())
}

func TestStatusLimiterSpacesCalls(t *testing.T) {
	limiter := NewStatusLimiter(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	require.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)

	unlimited := NewStatusLimiter(0)
	start = time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Wait(ctx))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRetryPolicyFailsUntypedErrorsAtOnce(t *testing.T) {
	ctx, kill := NewKillSwitch(context.Background())
	policy := fastPolicy(kill)

	calls := 0
	err := policy.Do(ctx, "LastPrice", func() error {
		calls++
		return errors.New("no price for BTCUSDT")
	})

	require.EqualError(t, err, "no price for BTCUSDT")
	require.Equal(t, 1, calls)
	require.False(t, IsFatal(err))
	require.False(t, kill.Tripped())
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient", err: &TransientNetworkError{Err: errors.New("eof")}, want: true},
		{name: "untyped", err: errors.New("no price for BTCUSDT"), want: false},
		{name: "transient timeout", err: &TransientNetworkError{Err: context.DeadlineExceeded}, want: true},
		{name: "wrapped transient", err: fmt.Errorf("place: %w", &TransientNetworkError{Err: errors.New("eof")}), want: true},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: true},
		{name: "fatal", err: &FatalConnectivityError{Err: errors.New("timeout")}, want: false},
		{name: "reject", err: &ExchangeRejectError{Code: 1}, want: false},
		{name: "inconsistency", err: &DataInconsistencyError{StrategyKey: "BTCUSDT_LONG"}, want: false},
		{name: "not found", err: ErrOrderNotFound, want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, retryable(tt.err))
		})
	}
}
