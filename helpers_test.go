package credgate_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/clock"
	"github.com/ineyio/credgate/store"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newTestStore returns a memory store driven by a manual clock.
func newTestStore(t *testing.T) (*store.MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	return store.NewMemoryStore(store.WithClock(clk)), clk
}

func newTestLockManager(t *testing.T, s credgate.Store, creds []string, opts ...credgate.LockOption) *credgate.LockManager {
	t.Helper()
	pool, err := credgate.NewPool(creds)
	require.NoError(t, err)
	require.NoError(t, pool.Bootstrap(context.Background(), s, credgate.DefaultOwnerTTL))

	// Deterministic fallback: always the first credential.
	opts = append([]credgate.LockOption{credgate.WithRandom(func(int) int { return 0 })}, opts...)
	m, err := credgate.NewLockManager(s, pool, opts...)
	require.NoError(t, err)
	return m
}

// spyStore records the keys each call touches.
type spyStore struct {
	credgate.Store

	mu   sync.Mutex
	keys []string
}

func (s *spyStore) record(key string) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
}

func (s *spyStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.record(key)
	return s.Store.Get(ctx, key)
}

func (s *spyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.record(key)
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *spyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.record(key)
	return s.Store.SetIfAbsent(ctx, key, value, ttl)
}

func (s *spyStore) Delete(ctx context.Context, key string) error {
	s.record(key)
	return s.Store.Delete(ctx, key)
}

func (s *spyStore) reset() {
	s.mu.Lock()
	s.keys = nil
	s.mu.Unlock()
}

// touched counts recorded keys starting with prefix.
func (s *spyStore) touched(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.keys {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// failingStore fails operations on keys with the given prefix. With onlySet
// only Set fails.
type failingStore struct {
	credgate.Store
	prefix  string
	err     error
	onlySet bool
}

func (s *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if !s.onlySet && strings.HasPrefix(key, s.prefix) {
		return "", false, s.err
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, s.prefix) {
		return s.err
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *failingStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !s.onlySet && strings.HasPrefix(key, s.prefix) {
		return false, s.err
	}
	return s.Store.SetIfAbsent(ctx, key, value, ttl)
}

// scriptedLocker returns a fixed Acquire outcome and counts calls.
type scriptedLocker struct {
	mu       sync.Mutex
	result   credgate.LockResult
	err      error
	acquires int
	releases int
}

func (l *scriptedLocker) Acquire(context.Context, string) (credgate.LockResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.result, l.err
}

func (l *scriptedLocker) Release(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *scriptedLocker) counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

// recordingMeter keeps every event it sees.
type recordingMeter struct {
	mu       sync.Mutex
	acquires []credgate.AcquireEvent
	results  []credgate.ResultEvent
}

func (m *recordingMeter) OnAcquire(e credgate.AcquireEvent) {
	m.mu.Lock()
	m.acquires = append(m.acquires, e)
	m.mu.Unlock()
}

func (m *recordingMeter) OnResult(e credgate.ResultEvent) {
	m.mu.Lock()
	m.results = append(m.results, e)
	m.mu.Unlock()
}

func (m *recordingMeter) lastResult() credgate.ResultEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[len(m.results)-1]
}
