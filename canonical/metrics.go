package canonical

import "github.com/prometheus/client_golang/prometheus"

var seqsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "canonical",
	Name:      "sequences_stored_total",
	Help:      "Unique sequences stored, by storage form.",
}, []string{"form"})

var duplicates = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "canonical",
	Name:      "duplicates_total",
	Help:      "Ingestions of content that was already stored.",
})

var representations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "canonical",
	Name:      "representations_total",
	Help:      "Sequence representations recorded.",
})

var bytesStored = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "canonical",
	Name:      "bytes_stored_total",
	Help:      "Bytes of full sequence content stored.",
})

var deltaFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "canonical",
	Name:      "delta_fallbacks_total",
	Help:      "Deltas abandoned for a full copy after failing reconstruction.",
})

// Collectors lists the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{seqsStored, duplicates, representations, bytesStored, deltaFallbacks}
}
