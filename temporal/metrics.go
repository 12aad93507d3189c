package temporal

import "github.com/prometheus/client_golang/prometheus"

var cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "temporal",
	Name:      "snapshot_cache_hits_total",
	Help:      "Point-in-time queries answered from the snapshot cache.",
})

var cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "temporal",
	Name:      "snapshot_cache_misses_total",
	Help:      "Point-in-time queries not answered from the snapshot cache.",
})

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{cacheHits, cacheMisses}
}
