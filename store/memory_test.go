package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/clock"
	"github.com/ineyio/credgate/store"
	"github.com/ineyio/credgate/store/storetest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) credgate.Store {
			return store.NewMemoryStore(store.WithClock(clk))
		},
		Advance: func(d time.Duration) { clk.Advance(d) },
	})
}

func TestMemoryStore_ExpiresExactlyAtDeadline(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clk))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "LOCK:tokA", "u1", 10*time.Second))

	clk.Advance(10*time.Second - time.Nanosecond)
	_, ok, _ := s.Get(ctx, "LOCK:tokA")
	assert.True(t, ok)

	clk.Advance(time.Nanosecond)
	_, ok, _ = s.Get(ctx, "LOCK:tokA")
	assert.False(t, ok)
}

func TestMemoryStore_TTLAndLen(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clk))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "AT:u1", "tokA", time.Hour))
	require.NoError(t, s.Set(ctx, "LOCK:tokA", "u1", 10*time.Second))
	assert.Equal(t, 2, s.Len())

	ttl, ok := s.TTL("AT:u1")
	require.True(t, ok)
	assert.Equal(t, time.Hour, ttl)

	clk.Advance(11 * time.Second)
	assert.Equal(t, 1, s.Len())

	_, ok = s.TTL("LOCK:tokA")
	assert.False(t, ok)
}
