package recheck

import "github.com/prometheus/client_golang/prometheus"

var queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "piecestore",
	Subsystem: "recheck",
	Name:      "queue_length",
	Help:      "Registered recheck tickets.",
})

func init() {
	prometheus.MustRegister(queueLength)
}
