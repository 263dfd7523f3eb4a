package spool

import "github.com/prometheus/client_golang/prometheus"

var spillTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sg",
	Subsystem: "spool",
	Name:      "spill_total",
	Help:      "The total number of memory to hybrid transitions",
})

var openSpoolFiles = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "sg",
	Subsystem: "spool",
	Name:      "open_files",
	Help:      "The number of spool temp files currently open",
})

func init() {
	prometheus.MustRegister(spillTotal, openSpoolFiles)
}
