package credgate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ineyio/credgate/clock"
)

// TierResolver decides which tier a caller belongs to.
type TierResolver func(ctx context.Context, callerID string) (Tier, error)

// Gate admits requests in a fixed order: daily quota first, then a lease on
// a pooled credential. A caller rejected by the quota never touches the pool.
type Gate struct {
	cfg       Config
	store     Store
	pool      *Pool
	locks     *LockManager
	admission *Admission
	rate      *RateCounter
	tiers     TierResolver
	meter     Meter
	health    *HealthTracker
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithHealth enables credential health tracking.
func WithHealth(h *HealthTracker) Option {
	return func(g *Gate) { g.health = h }
}

// WithClock sets the clock shared by all components.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithTierResolver overrides the default resolver, which treats callers
// listed in Config.PrivilegedCallers as privileged.
func WithTierResolver(fn TierResolver) Option {
	return func(g *Gate) { g.tiers = fn }
}

// NewGate validates cfg, builds the credential pool, registers every
// credential as free in store and wires the lock manager, admission and
// rate counter.
func NewGate(ctx context.Context, cfg Config, store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("credgate: store is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := NewPool(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		cfg:   cfg,
		store: store,
		pool:  pool,
	}
	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.clock == nil {
		g.clock = clock.Real{}
	}
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tiers == nil {
		g.tiers = staticTiers(cfg.PrivilegedCallers)
	}

	lockOpts := []LockOption{
		WithLockTTL(cfg.LockTTL),
		WithBindingTTL(cfg.BindingTTL),
		WithOwnerTTL(cfg.OwnerTTL),
		WithLockLogger(g.logger),
	}
	if g.health != nil {
		lockOpts = append(lockOpts, WithHealthTracker(g.health))
	}
	if g.locks, err = NewLockManager(store, pool, lockOpts...); err != nil {
		return nil, err
	}

	g.admission, err = NewAdmission(g.locks,
		WithRetryAttempts(cfg.RetryAttempts),
		WithRetryInterval(cfg.RetryInterval),
		WithAdmissionClock(g.clock),
		WithAdmissionMeter(g.meter),
		WithAdmissionHealth(g.health),
		WithAdmissionLogger(g.logger),
	)
	if err != nil {
		return nil, err
	}

	if g.rate, err = NewRateCounter(store, cfg.DailyLimit, WithLocation(loc), WithRateClock(g.clock)); err != nil {
		return nil, err
	}

	if err := pool.Bootstrap(ctx, store, cfg.OwnerTTL); err != nil {
		return nil, err
	}
	g.logger.Info("credential pool registered", "credentials", pool.Len(), "daily_limit", cfg.DailyLimit)

	return g, nil
}

// Serve runs fn for callerID under the gate: quota check, then a lease on a
// credential that is released when fn returns.
func (g *Gate) Serve(ctx context.Context, callerID string, fn UpstreamFunc) error {
	if callerID == "" {
		return ErrInvalidCaller
	}

	decision, err := g.RateCheck(ctx, callerID)
	if err != nil {
		g.meter.OnResult(ResultEvent{CallerID: callerID, State: StateFailed, Error: err})
		return &AdmissionError{Err: err, CallerID: callerID, State: StateFailed}
	}
	if !decision.Allowed {
		g.meter.OnResult(ResultEvent{CallerID: callerID, State: StateQuotaRejected, Error: ErrQuotaExceeded})
		return &AdmissionError{Err: ErrQuotaExceeded, CallerID: callerID, State: StateQuotaRejected}
	}

	return g.admission.Do(ctx, callerID, fn)
}

// RateCheck resolves the caller's tier and counts one request against it.
func (g *Gate) RateCheck(ctx context.Context, callerID string) (RateDecision, error) {
	tier, err := g.tiers(ctx, callerID)
	if err != nil {
		return RateDecision{}, fmt.Errorf("credgate: resolve tier: %w", err)
	}
	return g.rate.Check(ctx, callerID, tier)
}

// Acquire makes a single lock attempt for callerID.
func (g *Gate) Acquire(ctx context.Context, callerID string) (LockResult, error) {
	return g.locks.Acquire(ctx, callerID)
}

// Release unlocks whatever credential callerID is bound to.
func (g *Gate) Release(ctx context.Context, callerID string) error {
	return g.locks.Release(ctx, callerID)
}

// Snapshot reports the state of every pooled credential.
func (g *Gate) Snapshot(ctx context.Context) ([]CredentialState, error) {
	return g.locks.Snapshot(ctx)
}

// Usage returns today's request count for callerID.
func (g *Gate) Usage(ctx context.Context, callerID string) (RateDecision, error) {
	count, err := g.rate.Count(ctx, callerID)
	if err != nil {
		return RateDecision{}, err
	}
	tier, err := g.tiers(ctx, callerID)
	if err != nil {
		return RateDecision{}, fmt.Errorf("credgate: resolve tier: %w", err)
	}
	allowed := tier == TierPrivileged || g.rate.Limit() <= 0 || count < g.rate.Limit()
	return RateDecision{Allowed: allowed, Count: count, Limit: g.rate.Limit(), ResetAt: g.rate.ResetAt()}, nil
}

// Pool returns the credential pool.
func (g *Gate) Pool() *Pool { return g.pool }

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

func staticTiers(privileged []string) TierResolver {
	set := slices.Clone(privileged)
	return func(_ context.Context, callerID string) (Tier, error) {
		if slices.Contains(set, callerID) {
			return TierPrivileged, nil
		}
		return TierStandard, nil
	}
}
