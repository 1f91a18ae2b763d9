package credgate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ineyio/credgate/clock"
)

// RateCounter enforces a daily request budget per caller. Counts live in the
// store under PERMISSION:<caller> and expire at the next local midnight.
type RateCounter struct {
	store    Store
	limit    int64
	location *time.Location
	clock    clock.Clock
}

// RateOption configures a RateCounter.
type RateOption func(*RateCounter)

// WithLocation sets the time zone whose midnight resets the counters
// (default time.Local).
func WithLocation(loc *time.Location) RateOption {
	return func(r *RateCounter) { r.location = loc }
}

// WithRateClock sets the clock.
func WithRateClock(c clock.Clock) RateOption {
	return func(r *RateCounter) { r.clock = c }
}

// NewRateCounter creates a RateCounter. A limit <= 0 disables the ceiling;
// requests are still counted.
func NewRateCounter(store Store, dailyLimit int64, opts ...RateOption) (*RateCounter, error) {
	if store == nil {
		return nil, fmt.Errorf("credgate: rate counter: store is required")
	}
	r := &RateCounter{
		store:    store,
		limit:    dailyLimit,
		location: time.Local,
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Check counts one request for callerID. A standard-tier caller whose count
// has reached the limit is rejected without incrementing. Privileged callers
// are never rejected but are still counted.
func (r *RateCounter) Check(ctx context.Context, callerID string, tier Tier) (RateDecision, error) {
	if callerID == "" {
		return RateDecision{}, ErrInvalidCaller
	}

	now := r.clock.Now()
	resetAt := r.nextMidnight(now)

	count, err := r.Count(ctx, callerID)
	if err != nil {
		return RateDecision{}, err
	}

	if tier != TierPrivileged && r.limit > 0 && count >= r.limit {
		return RateDecision{Allowed: false, Count: count, Limit: r.limit, ResetAt: resetAt}, nil
	}

	count++
	if err := r.store.Set(ctx, PermissionKey(callerID), strconv.FormatInt(count, 10), ttlUntil(now, resetAt)); err != nil {
		return RateDecision{}, fmt.Errorf("credgate: rate: store count: %w", err)
	}

	return RateDecision{Allowed: true, Count: count, Limit: r.limit, ResetAt: resetAt}, nil
}

// Count returns today's request count for callerID without changing it.
func (r *RateCounter) Count(ctx context.Context, callerID string) (int64, error) {
	raw, ok, err := r.store.Get(ctx, PermissionKey(callerID))
	if err != nil {
		return 0, fmt.Errorf("credgate: rate: read count: %w", err)
	}
	if !ok {
		return 0, nil
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// A corrupt counter is treated as zero and overwritten on next Check.
		return 0, nil
	}
	return count, nil
}

// Limit returns the configured daily ceiling (<= 0 means none).
func (r *RateCounter) Limit() int64 { return r.limit }

// ResetAt returns when today's counters expire.
func (r *RateCounter) ResetAt() time.Time {
	return r.nextMidnight(r.clock.Now())
}

func (r *RateCounter) nextMidnight(now time.Time) time.Time {
	local := now.In(r.location)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, r.location)
}

// ttlUntil returns the whole seconds from now until t, rounded up and never
// below one second.
func ttlUntil(now, t time.Time) time.Duration {
	d := t.Sub(now)
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
