package remote

import "github.com/prometheus/client_golang/prometheus"

var requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "remote",
	Name:      "requests_total",
	Help:      "HTTP requests served, by route and status code.",
}, []string{"route", "code"})

var bytesServed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "remote",
	Name:      "bytes_served_total",
	Help:      "Response body bytes served, by route.",
}, []string{"route"})

var fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqvault",
	Subsystem: "remote",
	Name:      "client_fetches_total",
	Help:      "Client fetches, by object kind and outcome.",
}, []string{"kind", "outcome"})

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requests, bytesServed, fetches}
}
