package credgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/credgate/clock"
)

// UpstreamFunc performs the single upstream exchange a lease was taken for.
// Returning an error wrapping ErrCredentialRejected marks the credential as
// failing in the health tracker.
type UpstreamFunc func(ctx context.Context, lease Lease) error

// Admission bounds how long a request waits for a credential. It retries
// contended Acquire calls at a fixed interval and gives up with ErrBusy.
type Admission struct {
	locker   Locker
	attempts int
	interval time.Duration
	clock    clock.Clock
	meter    Meter
	health   *HealthTracker
	logger   *slog.Logger
}

// AdmissionOption configures an Admission.
type AdmissionOption func(*Admission)

// WithRetryAttempts sets the maximum number of Acquire attempts (default 10).
func WithRetryAttempts(n int) AdmissionOption {
	return func(a *Admission) { a.attempts = n }
}

// WithRetryInterval sets the wait between attempts (default 1s).
func WithRetryInterval(d time.Duration) AdmissionOption {
	return func(a *Admission) { a.interval = d }
}

// WithAdmissionClock sets the clock used for waits and timings.
func WithAdmissionClock(c clock.Clock) AdmissionOption {
	return func(a *Admission) { a.clock = c }
}

// WithAdmissionMeter sets the meter.
func WithAdmissionMeter(m Meter) AdmissionOption {
	return func(a *Admission) { a.meter = m }
}

// WithAdmissionHealth records upstream outcomes per credential.
func WithAdmissionHealth(h *HealthTracker) AdmissionOption {
	return func(a *Admission) { a.health = h }
}

// WithAdmissionLogger sets the logger.
func WithAdmissionLogger(l *slog.Logger) AdmissionOption {
	return func(a *Admission) { a.logger = l }
}

// NewAdmission creates an Admission around locker.
func NewAdmission(locker Locker, opts ...AdmissionOption) (*Admission, error) {
	if locker == nil {
		return nil, fmt.Errorf("credgate: admission: locker is required")
	}

	a := &Admission{
		locker:   locker,
		attempts: DefaultRetryAttempts,
		interval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.attempts < 1 {
		return nil, fmt.Errorf("credgate: admission: retry attempts must be at least 1")
	}
	if a.interval < 0 {
		return nil, fmt.Errorf("credgate: admission: retry interval must not be negative")
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	if a.meter == nil {
		a.meter = noopMeter{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	return a, nil
}

// Do locks a credential for callerID, runs fn with it and releases it.
//
// If every attempt is contended Do returns an *AdmissionError wrapping
// ErrBusy and fn is never called. Once a lock is held, Release runs exactly
// once after fn on every exit path, including panics and cancellation.
func (a *Admission) Do(ctx context.Context, callerID string, fn UpstreamFunc) error {
	if callerID == "" {
		return ErrInvalidCaller
	}

	start := a.clock.Now()

	for attempt := 1; attempt <= a.attempts; attempt++ {
		res, err := a.locker.Acquire(ctx, callerID)
		a.meter.OnAcquire(AcquireEvent{
			CallerID:   callerID,
			Credential: res.Target,
			Attempt:    attempt,
			Acquired:   err == nil && res.Acquired(),
			Sticky:     res.Sticky,
			Fallback:   res.Fallback,
			Error:      err,
		})
		if err != nil {
			return a.fail(callerID, attempt, StateFailed, start, err)
		}

		switch res.Outcome {
		case LockAcquired:
			return a.run(ctx, callerID, res, attempt, start, fn)
		case LockContended:
		default:
			return a.fail(callerID, attempt, StateFailed, start,
				fmt.Errorf("credgate: unexpected lock outcome %d", res.Outcome))
		}

		if attempt == a.attempts {
			break
		}
		if err := clock.Sleep(ctx, a.clock, a.interval); err != nil {
			return a.fail(callerID, attempt, StateFailed, start, err)
		}
	}

	a.logger.Warn("no credential available", "caller", callerID, "attempts", a.attempts)
	return a.fail(callerID, a.attempts, StateBusyRejected, start, ErrBusy)
}

func (a *Admission) run(ctx context.Context, callerID string, res LockResult, attempt int, start time.Time, fn UpstreamFunc) (err error) {
	locked := a.clock.Now()
	lease := Lease{
		ID:         uuid.New().String(),
		CallerID:   callerID,
		Credential: res.Credential,
		Attempts:   attempt,
		AcquiredAt: locked,
	}

	defer func() {
		// Release must not be skipped because the request context is gone.
		relErr := a.locker.Release(context.WithoutCancel(ctx), callerID)
		if relErr != nil {
			a.logger.Error("release failed", "caller", callerID, "lease", lease.ID, "error", relErr)
			if err == nil {
				err = &AdmissionError{
					Err:        fmt.Errorf("release failed: %w", relErr),
					CallerID:   callerID,
					Credential: lease.Credential,
					Attempts:   attempt,
					State:      StateFailed,
				}
			}
		}

		state := StateReleased
		if relErr != nil {
			state = StateFailed
		}
		a.meter.OnResult(ResultEvent{
			CallerID:   callerID,
			Credential: lease.Credential,
			State:      state,
			Attempts:   attempt,
			Wait:       locked.Sub(start),
			Duration:   a.clock.Now().Sub(start),
			Error:      err,
		})
	}()

	err = fn(ctx, lease)

	if a.health != nil {
		switch {
		case err == nil:
			a.health.RecordSuccess(lease.Credential)
		case errors.Is(err, ErrCredentialRejected):
			a.health.RecordFailure(lease.Credential)
		}
	}

	return err
}

// fail ends a request that never held a lock.
func (a *Admission) fail(callerID string, attempts int, state RequestState, start time.Time, err error) error {
	now := a.clock.Now()
	aerr := &AdmissionError{
		Err:      err,
		CallerID: callerID,
		Attempts: attempts,
		State:    state,
	}
	a.meter.OnResult(ResultEvent{
		CallerID: callerID,
		State:    state,
		Attempts: attempts,
		Wait:     now.Sub(start),
		Duration: now.Sub(start),
		Error:    err,
	})
	return aerr
}
