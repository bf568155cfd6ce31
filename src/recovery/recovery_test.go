package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"martingaleexecutor/src/exchange"
	"martingaleexecutor/src/exchange/exchangetest"
	"martingaleexecutor/src/ledger"
	"martingaleexecutor/src/model"
)

/*
Test index

TestReconcileContinue
TestReconcileResetSell
TestReconcileCancelOrders
TestReconcileNewCycleKeepsResidualLot
TestReconcileResidualCountsTowardsNextCycle
TestReconcileCloseLeavesNoResidual
TestReconcileInconsistentLowersConfidence
TestReconcileFallsBackToCache
TestReconcilePositionErrorWithoutCache
TestReconcileDirectionMismatchIsInvalid
TestApplyCancelsStaleProfits
TestReconcileIgnoresForeignOrders
TestSinceIsClamped
*/

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func instrument() model.Instrument {
	return model.Instrument{
		Symbol:        "BTCUSDT",
		ContractValue: d("1"),
		MinLot:        d("0.01"),
		LotStep:       d("0.01"),
		TickSize:      d("0.1"),
	}
}

func setup(t *testing.T) (*exchangetest.Fake, *ledger.Ledger, *Service) {
	t.Helper()
	fake := exchangetest.New("acc-1")
	fake.SetInstrument(instrument())
	fake.SetPrice("BTCUSDT", d("100"))
	l := ledger.New("MARTIN", "acc-1")
	svc := NewService(fake, l, Config{Lookback: 48 * time.Hour, MinLookback: 24 * time.Hour, Tolerance: 0.10})
	return fake, l, svc
}

func seed(f *exchangetest.Fake, ref string, status model.OrderStatus, price, size, filled string) exchange.Order {
	return f.Seed(exchange.Order{
		ClientRef:    ref,
		Symbol:       "BTCUSDT",
		Direction:    model.DirectionLong,
		Type:         exchange.OrderTypeLimit,
		Price:        d(price),
		Size:         d(size),
		FilledSize:   d(filled),
		AvgFillPrice: d(price),
		Status:       status,
	})
}

func longPosition(f *exchangetest.Fake, size string) {
	f.SetPosition(exchange.Position{Symbol: "BTCUSDT", Direction: model.DirectionLong, Size: d(size), AvgPrice: d("99")})
}

// -----------------------------
// ACTION TABLE
// -----------------------------

func TestReconcileContinue(t *testing.T) {
	fake, l, svc := setup(t)
	longPosition(fake, "2")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_ADD1_0002", model.OrderStatusFilled, "98", "1", "1")
	profit := seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0003", model.OrderStatusLive, "100", "1.99", "0")
	seed(fake, "MARTIN_LONG_BTCUSDT_ADD2_0004", model.OrderStatusLive, "96", "1", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)

	require.Equal(t, ActionContinue, snap.Action)
	require.True(t, snap.ExchangeVerified)
	require.True(t, snap.Consistent)
	require.Equal(t, 1.0, snap.Confidence)
	require.Equal(t, 1, snap.InferredAddCount)
	require.Equal(t, 2, snap.LastLevel)
	require.True(t, snap.LastLevelPrice.Equal(d("96")))
	require.True(t, snap.Anchor.Equal(d("100")))
	require.True(t, snap.FilledVolume.Equal(d("2")))
	require.Equal(t, profit.OrderID, snap.ProfitOrder.OrderID)
	require.Len(t, snap.LiveOrders, 2)
	require.Equal(t, uint64(4), l.Sequence())

	mode, err := svc.Apply(context.Background(), &snap)
	require.NoError(t, err)
	require.Equal(t, model.ModeNormal, mode)
	require.Empty(t, fake.Cancelled)
	require.Len(t, l.Active("BTCUSDT_LONG"), 2)
}

func TestReconcileResetSell(t *testing.T) {
	fake, _, svc := setup(t)
	longPosition(fake, "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0002", model.OrderStatusCanceled, "101", "0.99", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.Equal(t, ActionResetSell, snap.Action)
	require.Nil(t, snap.ProfitOrder)
	require.Equal(t, 1.0, snap.Confidence)

	mode, err := svc.Apply(context.Background(), &snap)
	require.NoError(t, err)
	require.Equal(t, model.ModeNormal, mode)
}

func TestReconcileCancelOrders(t *testing.T) {
	fake, l, svc := setup(t)
	profit := seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0007", model.OrderStatusLive, "101", "1", "0")
	add := seed(fake, "MARTIN_LONG_BTCUSDT_ADD3_0008", model.OrderStatusLive, "95", "1", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.Equal(t, ActionCancelOrders, snap.Action)
	require.False(t, snap.HasPosition())
	require.Equal(t, 0.8, snap.Confidence)

	mode, err := svc.Apply(context.Background(), &snap)
	require.NoError(t, err)
	require.Equal(t, model.ModePositionOnly, mode)
	require.Empty(t, fake.Working("BTCUSDT"))
	require.Empty(t, l.Active("BTCUSDT_LONG"))

	var cancelled []string
	for _, q := range fake.Cancelled {
		cancelled = append(cancelled, q.OrderID)
	}
	require.ElementsMatch(t, []string{profit.OrderID, add.OrderID}, cancelled)
}

func TestReconcileNewCycleKeepsResidualLot(t *testing.T) {
	fake, _, svc := setup(t)
	// the previous cycle closed with one lot left open
	longPosition(fake, "0.01")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_ADD1_0002", model.OrderStatusFilled, "98", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0003", model.OrderStatusFilled, "100", "1.99", "1.99")
	seed(fake, "MARTIN_LONG_BTCUSDT_ADD2_0004", model.OrderStatusCanceled, "96", "1", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.Equal(t, ActionNewCycle, snap.Action)
	require.True(t, snap.FilledVolume.IsZero())
	require.True(t, snap.Residual.Equal(d("0.01")))
	require.Equal(t, 0, snap.InferredAddCount)
	require.True(t, snap.Consistent)
	require.Equal(t, 1.0, snap.Confidence)
}

func TestReconcileResidualCountsTowardsNextCycle(t *testing.T) {
	fake, _, svc := setup(t)
	inst := instrument()
	inst.MinLot, inst.LotStep = d("1"), d("1")
	longPosition(fake, "3")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "2", "2")
	seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0002", model.OrderStatusFilled, "101", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0003", model.OrderStatusFilled, "100", "2", "2")
	seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0004", model.OrderStatusLive, "101", "2", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, inst, nil)
	require.NoError(t, err)
	require.True(t, snap.FilledVolume.Equal(d("2")))
	require.True(t, snap.Residual.Equal(d("1")))
	require.True(t, snap.Consistent, snap.Reason)
	require.Equal(t, ActionContinue, snap.Action)
}

func TestReconcileCloseLeavesNoResidual(t *testing.T) {
	fake, _, svc := setup(t)
	longPosition(fake, "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_CLOSE_0002", model.OrderStatusFilled, "99", "1", "1")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.True(t, snap.Residual.IsZero())
	require.False(t, snap.Consistent)
}

// -----------------------------
// CONFIDENCE
// -----------------------------

func TestReconcileInconsistentLowersConfidence(t *testing.T) {
	tests := []struct {
		name   string
		minLot string
	}{
		{name: "fractional lots", minLot: "0.01"},
		{name: "whole lots", minLot: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, _, svc := setup(t)
			inst := instrument()
			inst.MinLot, inst.LotStep = d(tt.minLot), d(tt.minLot)
			longPosition(fake, "5.0")
			seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "4.0", "4.0")
			seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0002", model.OrderStatusLive, "101", "3", "0")

			snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, inst, nil)
			require.NoError(t, err)
			require.Equal(t, ActionContinue, snap.Action)
			require.False(t, snap.Consistent)
			require.Contains(t, snap.Reason, "exceeds tolerance 0.5")
			require.Less(t, snap.Confidence, 0.5)
		})
	}
}

func TestReconcileFallsBackToCache(t *testing.T) {
	fake, _, svc := setup(t)
	fake.PositionErr = errors.New("connection reset")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "1", "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0002", model.OrderStatusLive, "101", "0.99", "0")

	cached := &Cached{PositionSize: d("1"), AvgPrice: d("100"), UpdatedAt: time.Now().Add(-time.Hour)}
	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), cached)
	require.NoError(t, err)
	require.False(t, snap.ExchangeVerified)
	require.True(t, snap.Position.Size.Equal(d("1")))
	require.Equal(t, ActionContinue, snap.Action)
	require.Equal(t, 0.7, snap.Confidence)
}

func TestReconcilePositionErrorWithoutCache(t *testing.T) {
	fake, _, svc := setup(t)
	fake.PositionErr = errors.New("connection reset")

	_, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.Error(t, err)
}

type flippedPosition struct {
	*exchangetest.Fake
}

func (f flippedPosition) GetPosition(ctx context.Context, symbol string, direction model.Direction) (exchange.Position, error) {
	return exchange.Position{Symbol: symbol, Direction: model.DirectionShort, Size: d("3"), AccountID: "acc-1"}, nil
}

func TestReconcileDirectionMismatchIsInvalid(t *testing.T) {
	fake, l, _ := setup(t)
	seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0002", model.OrderStatusLive, "101", "0.99", "0")
	svc := NewService(flippedPosition{fake}, l, Config{})

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.Equal(t, ActionInvalid, snap.Action)
	require.Equal(t, 0.1, snap.Confidence)
	require.False(t, snap.Consistent)

	mode, err := svc.Apply(context.Background(), &snap)
	require.NoError(t, err)
	require.Equal(t, model.ModeSuspended, mode)
	require.Empty(t, fake.Cancelled)
}

// -----------------------------
// OWNERSHIP
// -----------------------------

func TestApplyCancelsStaleProfits(t *testing.T) {
	fake, l, svc := setup(t)
	longPosition(fake, "1")
	seed(fake, "MARTIN_LONG_BTCUSDT_OPEN_0001", model.OrderStatusFilled, "100", "1", "1")
	stale := seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0002", model.OrderStatusLive, "101", "0.99", "0")
	fresh := seed(fake, "MARTIN_LONG_BTCUSDT_PROFIT_0005", model.OrderStatusLive, "101", "0.99", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.Equal(t, fresh.OrderID, snap.ProfitOrder.OrderID)
	require.Len(t, snap.StaleProfits, 1)

	_, err = svc.Apply(context.Background(), &snap)
	require.NoError(t, err)
	require.Len(t, fake.Cancelled, 1)
	require.Equal(t, stale.OrderID, fake.Cancelled[0].OrderID)
	require.Equal(t, []string{fresh.OrderID}, l.Active("BTCUSDT_LONG"))
}

func TestReconcileIgnoresForeignOrders(t *testing.T) {
	fake, l, svc := setup(t)
	seed(fake, "OTHER_LONG_BTCUSDT_PROFIT_0900", model.OrderStatusLive, "101", "1", "0")
	fake.Seed(exchange.Order{
		ClientRef: "MARTIN_LONG_BTCUSDT_PROFIT_0800",
		AccountID: "acc-2",
		Symbol:    "BTCUSDT",
		Price:     d("101"),
		Size:      d("1"),
		Status:    model.OrderStatusLive,
	})
	seed(fake, "MARTIN_SHORT_BTCUSDT_PROFIT_0010", model.OrderStatusLive, "99", "1", "0")
	seed(fake, "manual-order", model.OrderStatusLive, "90", "1", "0")

	snap, err := svc.Reconcile(context.Background(), "BTCUSDT", model.DirectionLong, instrument(), nil)
	require.NoError(t, err)
	require.Equal(t, ActionNewCycle, snap.Action)
	require.Empty(t, snap.LiveOrders)

	// references of our prefix still advance the sequence, whatever their owner
	require.Equal(t, uint64(800), l.Sequence())
}

func TestSinceIsClamped(t *testing.T) {
	_, _, svc := setup(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	tests := []struct {
		name   string
		cached *Cached
		want   time.Time
	}{
		{name: "no snapshot uses full lookback", cached: nil, want: now.Add(-48 * time.Hour)},
		{name: "recent snapshot keeps the minimum", cached: &Cached{UpdatedAt: now.Add(-time.Hour)}, want: now.Add(-24 * time.Hour)},
		{name: "snapshot narrows the window", cached: &Cached{UpdatedAt: now.Add(-30 * time.Hour)}, want: now.Add(-30 * time.Hour)},
		{name: "old snapshot is capped", cached: &Cached{UpdatedAt: now.Add(-200 * time.Hour)}, want: now.Add(-48 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, svc.Since(tt.cached))
		})
	}
}
