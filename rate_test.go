package credgate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/clock"
	"github.com/ineyio/credgate/store"
)

func newTestRateCounter(t *testing.T, limit int64, start time.Time) (*credgate.RateCounter, *store.MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(start)
	s := store.NewMemoryStore(store.WithClock(clk))
	r, err := credgate.NewRateCounter(s, limit,
		credgate.WithLocation(time.UTC),
		credgate.WithRateClock(clk),
	)
	require.NoError(t, err)
	return r, s, clk
}

func TestRateCounter_RejectsAtLimit(t *testing.T) {
	r, _, _ := newTestRateCounter(t, 2, testStart)
	ctx := context.Background()

	d, err := r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)

	d, err = r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Count)

	d, err = r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(2), d.Count, "a rejected request is not counted")

	count, err := r.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Other callers have their own budget.
	d, err = r.Check(ctx, "u2", credgate.TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateCounter_ResetsAtMidnight(t *testing.T) {
	start := time.Date(2024, 5, 1, 23, 59, 58, 0, time.UTC)
	r, _, clk := newTestRateCounter(t, 2, start)
	ctx := context.Background()

	d, err := r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), d.ResetAt)

	clk.Advance(time.Second) // 23:59:59
	d, err = r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clk.Advance(2 * time.Second) // 00:00:01 next day
	d, err = r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestRateCounter_TTLRoundsUpToWholeSeconds(t *testing.T) {
	start := time.Date(2024, 5, 1, 23, 59, 58, 500_000_000, time.UTC)
	r, s, _ := newTestRateCounter(t, 10, start)

	_, err := r.Check(context.Background(), "u1", credgate.TierStandard)
	require.NoError(t, err)

	ttl, ok := s.TTL(credgate.PermissionKey("u1"))
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, ttl)
}

func TestRateCounter_TTLNeverBelowOneSecond(t *testing.T) {
	start := time.Date(2024, 5, 1, 23, 59, 59, 999_000_000, time.UTC)
	r, s, _ := newTestRateCounter(t, 10, start)

	_, err := r.Check(context.Background(), "u1", credgate.TierStandard)
	require.NoError(t, err)

	ttl, ok := s.TTL(credgate.PermissionKey("u1"))
	require.True(t, ok)
	assert.Equal(t, time.Second, ttl)
}

func TestRateCounter_PrivilegedIsCountedButNeverRejected(t *testing.T) {
	r, _, _ := newTestRateCounter(t, 1, testStart)
	ctx := context.Background()

	for range 3 {
		d, err := r.Check(ctx, "admin", credgate.TierPrivileged)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	count, err := r.Count(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRateCounter_NoLimit(t *testing.T) {
	r, _, _ := newTestRateCounter(t, 0, testStart)
	ctx := context.Background()

	for range 5 {
		d, err := r.Check(ctx, "u1", credgate.TierStandard)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestRateCounter_CorruptCountReadsAsZero(t *testing.T) {
	r, s, _ := newTestRateCounter(t, 5, testStart)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, credgate.PermissionKey("u1"), "garbage", time.Hour))

	d, err := r.Check(ctx, "u1", credgate.TierStandard)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestRateCounter_Validation(t *testing.T) {
	_, err := credgate.NewRateCounter(nil, 5)
	assert.Error(t, err)

	r, _, _ := newTestRateCounter(t, 5, testStart)
	_, err = r.Check(context.Background(), "", credgate.TierStandard)
	assert.ErrorIs(t, err, credgate.ErrInvalidCaller)
}

func TestRateCounter_ResetAtUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*60*60)
	clk := clock.NewManual(time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)) // 04:00 on May 2 in UTC+8
	r, err := credgate.NewRateCounter(store.NewMemoryStore(store.WithClock(clk)), 5,
		credgate.WithLocation(loc),
		credgate.WithRateClock(clk),
	)
	require.NoError(t, err)

	assert.True(t, r.ResetAt().Equal(time.Date(2024, 5, 3, 0, 0, 0, 0, loc)))
}
