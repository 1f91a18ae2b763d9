package credgate

import "time"

// Meter observes lock and admission events for monitoring/logging.
type Meter interface {
	// OnAcquire is called after every lock attempt.
	OnAcquire(event AcquireEvent)

	// OnResult is called once per request when it reaches a terminal state.
	OnResult(event ResultEvent)
}

// AcquireEvent describes one lock attempt.
type AcquireEvent struct {
	CallerID   string
	Credential string
	Attempt    int
	Acquired   bool
	Sticky     bool
	Fallback   bool
	Error      error
}

// ResultEvent describes how a request ended.
type ResultEvent struct {
	CallerID   string
	Credential string
	State      RequestState
	Attempts   int
	Wait       time.Duration // time spent before the lock was acquired or given up
	Duration   time.Duration // total time including the upstream call
	Error      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAcquire(AcquireEvent) {}
func (noopMeter) OnResult(ResultEvent)   {}
