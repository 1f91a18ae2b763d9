package credgate

import (
	"sync"
	"time"

	"github.com/ineyio/credgate/clock"
)

// A credential the upstream rejects this many times within the window is
// locked out of the free scan for the lockout period.
const (
	rejectionThreshold = 3
	rejectionWindow    = 5 * time.Minute
	lockoutPeriod      = 30 * time.Second
)

// HealthState describes how the upstream has been treating a credential.
type HealthState int

const (
	// HealthHealthy credentials are offered by the free scan.
	HealthHealthy HealthState = iota
	// HealthUnhealthy credentials were rejected repeatedly and are skipped
	// by the free scan until the lockout period ends.
	HealthUnhealthy
	// HealthHalfOpen credentials are offered again; the next upstream
	// exchange decides whether they recover or are locked out again.
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker remembers which pool credentials the upstream has been
// rejecting, for example revoked or expired access tokens. It is
// process-local advisory state: it only changes which free credential the
// lock manager offers, never who may hold a lock, and sticky bindings and
// the random fallback ignore it.
type HealthTracker struct {
	mu          sync.Mutex
	clock       clock.Clock
	credentials map[string]*credentialHealth
}

type credentialHealth struct {
	state       HealthState
	rejections  []time.Time // within rejectionWindow
	lockedOutAt time.Time
}

// NewHealthTracker creates a HealthTracker. A nil clock means real time.
func NewHealthTracker(c clock.Clock) *HealthTracker {
	if c == nil {
		c = clock.Real{}
	}
	return &HealthTracker{
		clock:       c,
		credentials: make(map[string]*credentialHealth),
	}
}

// GetHealth reports whether credential is currently locked out. Credentials
// never seen are healthy.
func (h *HealthTracker) GetHealth(credential string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.credentials[credential]
	if !ok {
		return HealthHealthy
	}

	ch.expireLockout(h.clock.Now())
	return ch.state
}

// RecordSuccess clears a credential's rejection history after an upstream
// exchange it served went through.
func (h *HealthTracker) RecordSuccess(credential string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.entry(credential)
	ch.state = HealthHealthy
	ch.rejections = ch.rejections[:0]
}

// RecordFailure notes that the upstream rejected credential. Rejections of
// a credential that is already locked out are not counted.
func (h *HealthTracker) RecordFailure(credential string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	ch := h.entry(credential)
	ch.expireLockout(now)
	if ch.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-rejectionWindow)
	recent := ch.rejections[:0]
	for _, t := range ch.rejections {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	ch.rejections = append(recent, now)

	// A half-open credential that is rejected again goes straight back out.
	if ch.state == HealthHalfOpen || len(ch.rejections) >= rejectionThreshold {
		ch.state = HealthUnhealthy
		ch.lockedOutAt = now
	}
}

func (h *HealthTracker) entry(credential string) *credentialHealth {
	ch, ok := h.credentials[credential]
	if !ok {
		ch = &credentialHealth{state: HealthHealthy}
		h.credentials[credential] = ch
	}
	return ch
}

func (ch *credentialHealth) expireLockout(now time.Time) {
	if ch.state == HealthUnhealthy && now.Sub(ch.lockedOutAt) >= lockoutPeriod {
		ch.state = HealthHalfOpen
	}
}
