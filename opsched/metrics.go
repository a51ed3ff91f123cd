package opsched

import "github.com/prometheus/client_golang/prometheus"

var operationsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "piecestore",
	Subsystem: "opsched",
	Name:      "operations",
	Help:      "Operations known to the filesystem operation scheduler.",
})

func init() {
	prometheus.MustRegister(operationsGauge)
}
