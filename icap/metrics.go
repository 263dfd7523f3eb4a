package icap

import "github.com/prometheus/client_golang/prometheus"

var verdictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sg",
	Subsystem: "icap",
	Name:      "verdict_total",
	Help:      "The total number of scan verdicts by kind",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(verdictTotal)
}
