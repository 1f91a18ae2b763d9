// Package prom exports credgate events as Prometheus metrics.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/credgate"
)

// Meter records lock attempts and request outcomes. Credentials never
// appear as label values.
type Meter struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	wait     prometheus.Histogram
	duration *prometheus.HistogramVec
	gatherer prometheus.Gatherer
}

var _ credgate.Meter = (*Meter)(nil)

// New creates a Meter and registers its collectors with reg. A nil reg uses
// a fresh registry.
func New(reg *prometheus.Registry) (*Meter, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Meter{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "lock_attempts_total",
			Help:      "Lock attempts by outcome (acquired, contended, error).",
		}, []string{"outcome", "path"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "requests_total",
			Help:      "Requests by terminal state.",
		}, []string{"state"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "credgate",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a credential lock.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 20},
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "credgate",
			Name:      "request_duration_seconds",
			Help:      "Total request duration including the upstream call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{m.attempts, m.results, m.wait, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Meter) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Meter) OnAcquire(e credgate.AcquireEvent) {
	outcome := "contended"
	switch {
	case e.Error != nil:
		outcome = "error"
	case e.Acquired:
		outcome = "acquired"
	}
	path := "free"
	switch {
	case e.Sticky:
		path = "sticky"
	case e.Fallback:
		path = "fallback"
	}
	m.attempts.WithLabelValues(outcome, path).Inc()
}

func (m *Meter) OnResult(e credgate.ResultEvent) {
	state := e.State.String()
	m.results.WithLabelValues(state).Inc()
	m.duration.WithLabelValues(state).Observe(e.Duration.Seconds())
	if e.State == credgate.StateReleased {
		m.wait.Observe(e.Wait.Seconds())
	}
}
