package gateway

import "github.com/prometheus/client_golang/prometheus"

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sg",
	Subsystem: "gateway",
	Name:      "requests_total",
	Help:      "The total number of upload requests by outcome",
}, []string{"code", "error_type"})

var phaseSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "sg",
	Subsystem: "gateway",
	Name:      "phase_seconds",
	Help:      "Time spent per pipeline phase",
	Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
}, []string{"phase"})

var breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sg",
	Subsystem: "gateway",
	Name:      "breaker_state",
	Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
}, []string{"name"})

func init() {
	prometheus.MustRegister(requestsTotal, phaseSeconds, breakerState)
}
