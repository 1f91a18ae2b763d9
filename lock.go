package credgate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Locker assigns credentials to callers and guards them with a short-lived
// lock. LockManager is the Store-backed implementation.
type Locker interface {
	Acquire(ctx context.Context, callerID string) (LockResult, error)
	Release(ctx context.Context, callerID string) error
}

// LockManager finds or assigns a credential for a caller, takes the
// credential's mutual-exclusion lock and renews the caller's sticky binding.
//
// Two records cooperate: the owner record and binding give session affinity,
// so a multi-turn conversation keeps the same upstream identity, while the
// short lock gives exclusivity for one exchange and self-expires if the
// holder dies.
type LockManager struct {
	store      Store
	pool       *Pool
	lockTTL    time.Duration
	bindingTTL time.Duration
	ownerTTL   time.Duration
	health     *HealthTracker
	intn       func(n int) int
	logger     *slog.Logger
}

var _ Locker = (*LockManager)(nil)

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockTTL sets the lock TTL (default 10s).
func WithLockTTL(d time.Duration) LockOption {
	return func(m *LockManager) { m.lockTTL = d }
}

// WithBindingTTL sets the sticky binding TTL (default 1h).
func WithBindingTTL(d time.Duration) LockOption {
	return func(m *LockManager) { m.bindingTTL = d }
}

// WithOwnerTTL sets the owner record TTL (default ~3 years).
func WithOwnerTTL(d time.Duration) LockOption {
	return func(m *LockManager) { m.ownerTTL = d }
}

// WithHealthTracker makes the free-credential scan skip credentials the
// tracker reports as unhealthy.
func WithHealthTracker(h *HealthTracker) LockOption {
	return func(m *LockManager) { m.health = h }
}

// WithRandom sets the source used to pick a credential when none is free.
// fn must return a value in [0, n).
func WithRandom(fn func(n int) int) LockOption {
	return func(m *LockManager) { m.intn = fn }
}

// WithLockLogger sets the logger.
func WithLockLogger(l *slog.Logger) LockOption {
	return func(m *LockManager) { m.logger = l }
}

// NewLockManager creates a LockManager over the given store and pool.
func NewLockManager(store Store, pool *Pool, opts ...LockOption) (*LockManager, error) {
	if store == nil {
		return nil, fmt.Errorf("credgate: lock manager: store is required")
	}
	if pool == nil || pool.Len() == 0 {
		return nil, ErrNoCredentials
	}

	m := &LockManager{
		store:      store,
		pool:       pool,
		lockTTL:    DefaultLockTTL,
		bindingTTL: DefaultBindingTTL,
		ownerTTL:   DefaultOwnerTTL,
		intn:       rand.IntN,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	for _, ttl := range []time.Duration{m.lockTTL, m.bindingTTL, m.ownerTTL} {
		if err := checkTTL(ttl); err != nil {
			return nil, fmt.Errorf("credgate: lock manager: %w", err)
		}
	}

	return m, nil
}

// Acquire attempts, once, to lock a credential for callerID.
//
// Contention is reported through LockResult.Outcome, not as an error; the
// error return is reserved for store failures.
func (m *LockManager) Acquire(ctx context.Context, callerID string) (LockResult, error) {
	if callerID == "" {
		return LockResult{}, ErrInvalidCaller
	}

	res, err := m.selectTarget(ctx, callerID)
	if err != nil {
		return LockResult{}, err
	}

	ok, err := m.store.SetIfAbsent(ctx, LockKey(res.Target), callerID, m.lockTTL)
	if err != nil {
		return LockResult{}, fmt.Errorf("credgate: acquire lock: %w", err)
	}
	if !ok {
		res.Outcome = LockContended
		return res, nil
	}

	if err := m.store.Set(ctx, OwnerKey(res.Target), callerID, m.ownerTTL); err != nil {
		return LockResult{}, m.abandon(ctx, res.Target, fmt.Errorf("credgate: write owner: %w", err))
	}
	if err := m.store.Set(ctx, BindingKey(callerID), res.Target, m.bindingTTL); err != nil {
		return LockResult{}, m.abandon(ctx, res.Target, fmt.Errorf("credgate: write binding: %w", err))
	}

	res.Outcome = LockAcquired
	res.Credential = res.Target
	return res, nil
}

// selectTarget picks the credential to try: the sticky binding if there is
// one, else the first free credential in pool order, else a random one.
//
// The scan is not atomic with the lock attempt that follows. Two callers may
// pick the same free credential; the SetIfAbsent gate decides between them.
func (m *LockManager) selectTarget(ctx context.Context, callerID string) (LockResult, error) {
	bound, ok, err := m.store.Get(ctx, BindingKey(callerID))
	if err != nil {
		return LockResult{}, fmt.Errorf("credgate: read binding: %w", err)
	}
	if ok {
		if m.pool.Contains(bound) {
			return LockResult{Target: bound, Sticky: true}, nil
		}
		m.logger.Debug("ignoring binding to retired credential", "caller", callerID)
	}

	for i := range m.pool.Len() {
		c := m.pool.at(i)
		if m.health != nil && m.health.GetHealth(c) == HealthUnhealthy {
			continue
		}
		owner, ok, err := m.store.Get(ctx, OwnerKey(c))
		if err != nil {
			return LockResult{}, fmt.Errorf("credgate: read owner: %w", err)
		}
		if ok && owner == Unowned {
			return LockResult{Target: c}, nil
		}
	}

	return LockResult{Target: m.pool.at(m.intn(m.pool.Len())), Fallback: true}, nil
}

// abandon drops a lock whose bookkeeping could not be written, so the
// credential does not stay blocked for the full lock TTL.
func (m *LockManager) abandon(ctx context.Context, credential string, cause error) error {
	if err := m.store.Delete(context.WithoutCancel(ctx), LockKey(credential)); err != nil {
		m.logger.Warn("failed to drop lock after write error", "credential", Redact(credential), "error", err)
	}
	return cause
}

// Release unlocks the credential bound to callerID. The binding and owner
// record stay so the caller's next turn lands on the same credential.
// Releasing without a binding, or with no lock held, is a no-op.
func (m *LockManager) Release(ctx context.Context, callerID string) error {
	if callerID == "" {
		return ErrInvalidCaller
	}

	credential, ok, err := m.store.Get(ctx, BindingKey(callerID))
	if err != nil {
		return fmt.Errorf("credgate: release: read binding: %w", err)
	}
	if !ok {
		return nil
	}

	holder, ok, err := m.store.Get(ctx, LockKey(credential))
	if err != nil {
		return fmt.Errorf("credgate: release: read lock: %w", err)
	}
	if !ok {
		return nil
	}
	if holder != callerID {
		// Our lock expired and someone else took the credential.
		m.logger.Debug("lock held by another caller, not releasing",
			"caller", callerID, "credential", Redact(credential))
		return nil
	}

	if err := m.store.Delete(ctx, LockKey(credential)); err != nil {
		return fmt.Errorf("credgate: release: delete lock: %w", err)
	}
	return nil
}

// Snapshot reports owner, lock holder and health of every credential.
func (m *LockManager) Snapshot(ctx context.Context) ([]CredentialState, error) {
	states := make([]CredentialState, 0, m.pool.Len())
	for i := range m.pool.Len() {
		c := m.pool.at(i)
		owner, _, err := m.store.Get(ctx, OwnerKey(c))
		if err != nil {
			return nil, fmt.Errorf("credgate: snapshot: read owner: %w", err)
		}
		holder, _, err := m.store.Get(ctx, LockKey(c))
		if err != nil {
			return nil, fmt.Errorf("credgate: snapshot: read lock: %w", err)
		}
		st := CredentialState{Credential: c, Owner: owner, LockedBy: holder}
		if m.health != nil {
			st.Health = m.health.GetHealth(c)
		}
		states = append(states, st)
	}
	return states, nil
}
