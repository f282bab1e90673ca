// Package metrics exposes run counters for the connector. Metrics are
// registered on a caller-supplied registry and served only when the run
// command is given a metrics address; a bare cron invocation pays nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the connector's Prometheus collectors.
type Metrics struct {
	RecordsScanned   *prometheus.CounterVec
	BucketsCommitted *prometheus.CounterVec
	CommitFailures   *prometheus.CounterVec
	StreamsSkipped   prometheus.Counter
	StreamsFailed    prometheus.Counter
	RunDuration      prometheus.Histogram
}

// New registers and returns the connector metrics. Pass
// prometheus.NewRegistry() (or a dedicated registry in tests) rather than
// the global default so runs stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mongo_connector",
			Name:      "records_scanned_total",
			Help:      "Source records scanned, per stream.",
		}, []string{"stream"}),
		BucketsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mongo_connector",
			Name:      "buckets_committed_total",
			Help:      "Validator sessions committed, per stream.",
		}, []string{"stream"}),
		CommitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mongo_connector",
			Name:      "commit_failures_total",
			Help:      "Validator commits that failed or were rejected, per stream.",
		}, []string{"stream"}),
		StreamsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mongo_connector",
			Name:      "streams_skipped_total",
			Help:      "Streams skipped because they were disabled or unconfigured.",
		}),
		StreamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mongo_connector",
			Name:      "streams_failed_total",
			Help:      "Streams whose run aborted with an error.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mongo_connector",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of complete runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}

	reg.MustRegister(
		m.RecordsScanned,
		m.BucketsCommitted,
		m.CommitFailures,
		m.StreamsSkipped,
		m.StreamsFailed,
		m.RunDuration,
	)

	return m
}

// Nop returns metrics backed by an unexported registry, for callers that
// do not serve them.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
