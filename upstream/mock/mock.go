// Package mock is a fake upstream for exercising a credgate.Gate without a
// real service behind it. It records how each credential was used, so
// tests can assert that no credential ever served two calls at once.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/credgate"
)

// Upstream is a fake service that accepts one call per lease.
type Upstream struct {
	latency   time.Duration
	failAfter int
	staticErr error
	rejected  map[string]bool
	replyFunc func(credgate.Lease) (string, error)

	callCount atomic.Int64

	mu       sync.Mutex
	inFlight map[string]int
	maxSeen  map[string]int
	replies  []string
}

// Option configures a mock Upstream.
type Option func(*Upstream)

// New creates a mock upstream with the given options.
func New(opts ...Option) *Upstream {
	u := &Upstream{
		rejected: make(map[string]bool),
		inFlight: make(map[string]int),
		maxSeen:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(u *Upstream) { u.latency = d }
}

// WithFailAfter makes the upstream fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(u *Upstream) { u.failAfter = n }
}

// WithError makes the upstream always return this error.
func WithError(err error) Option {
	return func(u *Upstream) { u.staticErr = err }
}

// WithRejected makes calls with these credentials fail with
// credgate.ErrCredentialRejected, as a revoked token would.
func WithRejected(credentials ...string) Option {
	return func(u *Upstream) {
		for _, c := range credentials {
			u.rejected[c] = true
		}
	}
}

// WithReplyFunc sets a custom reply function.
func WithReplyFunc(fn func(credgate.Lease) (string, error)) Option {
	return func(u *Upstream) { u.replyFunc = fn }
}

// Call serves one request. It has the credgate.UpstreamFunc signature.
func (u *Upstream) Call(ctx context.Context, lease credgate.Lease) error {
	_, err := u.Reply(ctx, lease)
	return err
}

// Reply serves one request and returns the upstream's answer.
func (u *Upstream) Reply(ctx context.Context, lease credgate.Lease) (string, error) {
	u.enter(lease.Credential)
	defer u.leave(lease.Credential)

	if u.latency > 0 {
		select {
		case <-time.After(u.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	count := u.callCount.Add(1)

	if u.staticErr != nil {
		return "", u.staticErr
	}
	if u.rejected[lease.Credential] {
		return "", fmt.Errorf("mock: 401 invalid token: %w", credgate.ErrCredentialRejected)
	}
	if u.failAfter > 0 && int(count) > u.failAfter {
		return "", fmt.Errorf("mock: upstream unavailable")
	}

	reply := "Hello from mock upstream"
	if u.replyFunc != nil {
		var err error
		if reply, err = u.replyFunc(lease); err != nil {
			return "", err
		}
	}

	u.mu.Lock()
	u.replies = append(u.replies, lease.Credential)
	u.mu.Unlock()
	return reply, nil
}

func (u *Upstream) enter(credential string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inFlight[credential]++
	if n := u.inFlight[credential]; n > u.maxSeen[credential] {
		u.maxSeen[credential] = n
	}
}

func (u *Upstream) leave(credential string) {
	u.mu.Lock()
	u.inFlight[credential]--
	u.mu.Unlock()
}

// CallCount returns the number of calls made to the upstream.
func (u *Upstream) CallCount() int64 { return u.callCount.Load() }

// MaxConcurrent returns the highest number of simultaneous calls seen for
// credential.
func (u *Upstream) MaxConcurrent(credential string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.maxSeen[credential]
}

// Served returns, in order, the credential of every successful call.
func (u *Upstream) Served() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.replies...)
}
