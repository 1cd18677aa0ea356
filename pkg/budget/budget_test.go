package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStorage struct{ *MemoryStorage }

func (f *failingStorage) Get(context.Context, string) (*Budget, error) {
	return nil, errors.New("db down")
}

func TestToMicro(t *testing.T) {
	assert.Equal(t, int64(1000), ToMicro(decimal.RequireFromString("0.001")))
	assert.Equal(t, int64(5000), ToMicro(decimal.RequireFromString("0.005")))
	assert.Equal(t, int64(1), ToMicro(decimal.RequireFromString("0.0000001")))
	assert.True(t, FromMicro(3000).Equal(decimal.RequireFromString("0.003")))
}

func TestSimpleEnforcer_AllowsWithinLimits(t *testing.T) {
	e := NewSimpleEnforcer(NewMemoryStorage(), 10_000, 100_000)
	ctx := context.Background()

	d, err := e.Check(ctx, "alice", Cost{Amount: 5000})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(5000), d.Remaining.DailyRemaining())
	assert.Equal(t, "allowed", d.Receipt.Action)

	d, err = e.Check(ctx, "alice", Cost{Amount: 5000})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = e.Check(ctx, "alice", Cost{Amount: 1})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "daily_limit_exceeded", d.Receipt.Reason)
}

func TestSimpleEnforcer_SendersAreIsolated(t *testing.T) {
	e := NewSimpleEnforcer(NewMemoryStorage(), 5000, 100_000)
	ctx := context.Background()

	d, _ := e.Check(ctx, "alice", Cost{Amount: 5000})
	assert.True(t, d.Allowed)
	d, _ = e.Check(ctx, "bob", Cost{Amount: 5000})
	assert.True(t, d.Allowed)
}

func TestSimpleEnforcer_ConfiguredLimitsOverrideDefaults(t *testing.T) {
	s := NewMemoryStorage()
	e := NewSimpleEnforcer(s, 1_000_000, 1_000_000)
	ctx := context.Background()
	require.NoError(t, e.SetLimits(ctx, "alice", 1000, 1000))

	d, err := e.Check(ctx, "alice", Cost{Amount: 3000})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestSimpleEnforcer_DailyReset(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	e := NewSimpleEnforcer(NewMemoryStorage(), 5000, 100_000)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := e.Check(ctx, "alice", Cost{Amount: 5000})
	require.True(t, d.Allowed)
	d, _ = e.Check(ctx, "alice", Cost{Amount: 1000})
	require.False(t, d.Allowed)

	now = now.Add(2 * time.Hour)
	d, _ = e.Check(ctx, "alice", Cost{Amount: 1000})
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(6000), d.Remaining.MonthlyUsed)
}

func TestSimpleEnforcer_FailsClosed(t *testing.T) {
	e := NewSimpleEnforcer(&failingStorage{NewMemoryStorage()}, 10_000, 10_000)

	d, err := e.Check(context.Background(), "alice", Cost{Amount: 1})
	assert.Error(t, err)
	require.NotNil(t, d)
	assert.False(t, d.Allowed)
	assert.Equal(t, "internal_error", d.Receipt.Reason)
}

func TestSimpleEnforcer_ReleaseReturnsReservation(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := NewSimpleEnforcer(NewMemoryStorage(), 5000, 100_000)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := e.Check(ctx, "alice", Cost{Amount: 5000})
	require.True(t, d.Allowed)
	require.NoError(t, e.Release(ctx, "alice", Cost{Amount: 5000}))

	d, _ = e.Check(ctx, "alice", Cost{Amount: 5000})
	assert.True(t, d.Allowed)

	// Releasing more than was reserved floors at zero.
	require.NoError(t, e.Release(ctx, "alice", Cost{Amount: 9000}))
	b, err := e.GetBudget(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.DailyUsed)
	assert.Zero(t, b.MonthlyUsed)

	// Nothing to release for an unknown sender.
	assert.NoError(t, e.Release(ctx, "bob", Cost{Amount: 1}))
}
