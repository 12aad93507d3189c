package manifest

import "github.com/prometheus/client_golang/prometheus"

var versionsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "manifest",
	Name:      "versions_committed_total",
	Help:      "Manifest versions committed, by origin.",
}, []string{"origin"})

var chunksFetched = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "manifest",
	Name:      "chunks_fetched_total",
	Help:      "Chunks fetched and verified during updates.",
})

var sequencesFetched = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "manifest",
	Name:      "sequences_fetched_total",
	Help:      "Sequences fetched and verified during updates.",
})

var fetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "manifest",
	Name:      "fetch_retries_total",
	Help:      "Failed fetch attempts that were retried, by object kind.",
}, []string{"kind"})

var updateFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "manifest",
	Name:      "update_failures_total",
	Help:      "Updates aborted without advancing the head.",
})

var updateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "seqvault",
	Subsystem: "manifest",
	Name:      "update_duration_seconds",
	Help:      "Time taken by ApplyUpdate.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
})

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		versionsCommitted,
		chunksFetched,
		sequencesFetched,
		fetchRetries,
		updateFailures,
		updateDuration,
	}
}
