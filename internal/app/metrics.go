package app

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"decisionhelper/api/internal/analysis"
	"decisionhelper/api/internal/auth"
)

// Analysis outcomes reported on decisionhelper_analyses_total.
const (
	outcomeSuccess         = "success"
	outcomeUnauthenticated = "unauthenticated"
	outcomeEmptyResponse   = "empty_response"
	outcomeMalformed       = "malformed_output"
	outcomeUpstreamError   = "upstream_error"
	outcomePersistence     = "persistence_failure"
)

type Metrics struct {
	analyses         *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	decisionsSaved   prometheus.Counter
}

// NewMetrics registers the service collectors on reg. A nil reg leaves them
// unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionhelper",
			Name:      "analyses_total",
			Help:      "Analyze calls by outcome.",
		}, []string{"outcome"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "decisionhelper",
			Name:      "analysis_duration_seconds",
			Help:      "Time spent waiting on the reasoning service.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		decisionsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decisionhelper",
			Name:      "decisions_saved_total",
			Help:      "Decision records persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.analyses, m.analysisDuration, m.decisionsSaved)
	}
	return m
}

func (m *Metrics) observeAnalysis(started time.Time) {
	m.analysisDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) countAnalysis(err error) {
	m.analyses.WithLabelValues(analysisOutcome(err)).Inc()
}

func analysisOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, auth.ErrUnauthenticated):
		return outcomeUnauthenticated
	case errors.Is(err, analysis.ErrEmptyResponse):
		return outcomeEmptyResponse
	case errors.Is(err, analysis.ErrMalformedOutput):
		return outcomeMalformed
	case errors.Is(err, ErrPersistence):
		return outcomePersistence
	default:
		return outcomeUpstreamError
	}
}
