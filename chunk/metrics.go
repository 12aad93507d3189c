package chunk

import "github.com/prometheus/client_golang/prometheus"

var chunksBuilt = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "chunk",
	Name:      "chunks_built_total",
	Help:      "Chunks built from ingested batches.",
})

// Collectors lists the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{chunksBuilt}
}
