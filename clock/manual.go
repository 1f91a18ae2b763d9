package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu          sync.Mutex
	now         time.Time
	timers      []*manualTimer
	autoAdvance bool
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

var _ Clock = (*Manual)(nil)

// NewManual constructs a Manual clock starting at the supplied time.
// Timers only fire when Advance is called.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// NewAutoManual constructs a Manual clock whose After moves time forward by
// the requested duration and fires immediately. Waiting code never blocks,
// but elapsed time is still observable through Now.
func NewAutoManual(start time.Time) *Manual {
	return &Manual{now: start, autoAdvance: true}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set jumps the clock to t without firing timers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.Now()
		return ch
	}
	if m.autoAdvance {
		ch <- m.Advance(d)
		return ch
	}
	m.mu.Lock()
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	now := m.now
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- now
	}
	m.timers = remaining
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
