// Package metrics exposes Prometheus collectors for the extraction engine.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for tier attempts, target outcomes
// and discovery.
type Metrics struct {
	Registry         *prometheus.Registry
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	BackoffSeconds   prometheus.Counter
	OutcomesTotal    *prometheus.CounterVec
	ParseFailures    *prometheus.CounterVec
	CandidatesTotal  *prometheus.CounterVec
	SessionResets    *prometheus.CounterVec
	BatchesCompleted prometheus.Counter
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_attempts_total",
			Help: "Extraction attempts by retailer, tier and outcome.",
		},
		[]string{"retailer", "tier", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricescout_attempt_duration_seconds",
			Help:    "Latency of a single tier attempt (fetch and extraction).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		},
		[]string{"tier"},
	)
	backoff := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricescout_backoff_seconds_total",
			Help: "Total time spent waiting in retry backoff.",
		},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_target_outcomes_total",
			Help: "Terminal target outcomes by retailer and status.",
		},
		[]string{"retailer", "status"},
	)
	parseFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_parse_failures_total",
			Help: "Price parse failures by strategy and reason.",
		},
		[]string{"strategy", "reason"},
	)
	candidates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_discovered_candidates_total",
			Help: "Discovery candidates by retailer and result (new, known, filtered).",
		},
		[]string{"retailer", "result"},
	)
	resets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_session_resets_total",
			Help: "Sessions invalidated after repeated hard failures.",
		},
		[]string{"retailer"},
	)
	batches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricescout_batches_completed_total",
			Help: "Completed batch runs.",
		},
	)

	registry.MustRegister(attempts, duration, backoff, outcomes, parseFailures, candidates, resets, batches)

	return &Metrics{
		Registry:         registry,
		AttemptsTotal:    attempts,
		AttemptDuration:  duration,
		BackoffSeconds:   backoff,
		OutcomesTotal:    outcomes,
		ParseFailures:    parseFailures,
		CandidatesTotal:  candidates,
		SessionResets:    resets,
		BatchesCompleted: batches,
	}
}

// ObserveAttempt records one tier attempt.
func (m *Metrics) ObserveAttempt(retailer, tier, outcome string, elapsed, delay time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(retailer, tier, outcome).Inc()
	m.AttemptDuration.WithLabelValues(tier).Observe(elapsed.Seconds())
	if delay > 0 {
		m.BackoffSeconds.Add(delay.Seconds())
	}
}

// IncOutcome counts a terminal target outcome.
func (m *Metrics) IncOutcome(retailer, status string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(retailer, status).Inc()
}

// IncParseFailure counts a strategy that located text it could not parse.
func (m *Metrics) IncParseFailure(strategy, reason string) {
	if m == nil {
		return
	}
	m.ParseFailures.WithLabelValues(strategy, reason).Inc()
}

// IncCandidate counts a discovery listing by result ("new", "known" or "filtered").
func (m *Metrics) IncCandidate(retailer, result string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(retailer, result).Inc()
}

// IncSessionReset counts a session invalidation.
func (m *Metrics) IncSessionReset(retailer string) {
	if m == nil {
		return
	}
	m.SessionResets.WithLabelValues(retailer).Inc()
}

// IncBatch counts a completed batch.
func (m *Metrics) IncBatch() {
	if m == nil {
		return
	}
	m.BatchesCompleted.Inc()
}
