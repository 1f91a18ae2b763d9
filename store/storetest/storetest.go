// Package storetest is a conformance suite every credgate.Store backend must
// pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/credgate"
)

// Harness describes the backend under test.
type Harness struct {
	// New returns an empty store isolated from other tests.
	New func(t *testing.T) credgate.Store

	// Advance moves the store's notion of time forward. When nil the suite
	// sleeps in real time, so expiry tests take a little over ShortTTL.
	Advance func(d time.Duration)

	// ShortTTL is the TTL used by expiry tests (default 1s).
	ShortTTL time.Duration
}

// Run executes the conformance suite.
func Run(t *testing.T, h Harness) {
	t.Helper()
	if h.ShortTTL == 0 {
		h.ShortTTL = time.Second
	}
	advance := h.Advance
	if advance == nil {
		advance = func(d time.Duration) { time.Sleep(d) }
	}

	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := h.New(t)
		v, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Set(ctx, "AT:u1", "tokA", time.Hour))
		v, ok, err := s.Get(ctx, "AT:u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "tokA", v)
	})

	t.Run("set overwrites", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Set(ctx, "tokA", credgate.Unowned, time.Hour))
		require.NoError(t, s.Set(ctx, "tokA", "u1", time.Hour))
		v, _, err := s.Get(ctx, "tokA")
		require.NoError(t, err)
		assert.Equal(t, "u1", v)
	})

	t.Run("utf8 round trip", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Set(ctx, "PERMISSION:用户", "值", time.Hour))
		v, ok, err := s.Get(ctx, "PERMISSION:用户")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "值", v)
	})

	t.Run("set if absent", func(t *testing.T) {
		s := h.New(t)
		ok, err := s.SetIfAbsent(ctx, "LOCK:tokA", "u1", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetIfAbsent(ctx, "LOCK:tokA", "u2", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		v, _, err := s.Get(ctx, "LOCK:tokA")
		require.NoError(t, err)
		assert.Equal(t, "u1", v, "losing SetIfAbsent must not change the value")
	})

	t.Run("delete", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Set(ctx, "LOCK:tokA", "u1", time.Hour))
		require.NoError(t, s.Delete(ctx, "LOCK:tokA"))
		_, ok, err := s.Get(ctx, "LOCK:tokA")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.NoError(t, s.Delete(ctx, "LOCK:tokA"), "deleting a missing key is not an error")
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		s := h.New(t)
		assert.ErrorIs(t, s.Set(ctx, "k", "v", 0), credgate.ErrInvalidTTL)
		_, err := s.SetIfAbsent(ctx, "k", "v", -time.Second)
		assert.ErrorIs(t, err, credgate.ErrInvalidTTL)
	})

	t.Run("expiry", func(t *testing.T) {
		s := h.New(t)
		require.NoError(t, s.Set(ctx, "LOCK:tokA", "u1", h.ShortTTL))
		require.NoError(t, s.Set(ctx, "tokA", "u1", time.Hour))

		advance(h.ShortTTL + h.ShortTTL/2)

		_, ok, err := s.Get(ctx, "LOCK:tokA")
		require.NoError(t, err)
		assert.False(t, ok, "expired key must read as absent")

		_, ok, err = s.Get(ctx, "tokA")
		require.NoError(t, err)
		assert.True(t, ok, "unexpired key must survive")
	})

	t.Run("set if absent after expiry", func(t *testing.T) {
		s := h.New(t)
		ok, err := s.SetIfAbsent(ctx, "LOCK:tokA", "u1", h.ShortTTL)
		require.NoError(t, err)
		require.True(t, ok)

		advance(h.ShortTTL + h.ShortTTL/2)

		ok, err = s.SetIfAbsent(ctx, "LOCK:tokA", "u2", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "expired lock must be claimable")

		v, _, err := s.Get(ctx, "LOCK:tokA")
		require.NoError(t, err)
		assert.Equal(t, "u2", v)
	})

	t.Run("concurrent set if absent", func(t *testing.T) {
		s := h.New(t)
		var wg sync.WaitGroup
		var winners atomic.Int64

		for i := range 20 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetIfAbsent(ctx, "LOCK:tokA", fmt.Sprintf("u%d", i), time.Hour)
				if err == nil && ok {
					winners.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(1), winners.Load(), "exactly one caller may win the lock")
	})
}
