package allocgate

import "github.com/prometheus/client_golang/prometheus"

var queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "piecestore",
	Subsystem: "allocgate",
	Name:      "queue_length",
	Help:      "Downloads registered with the allocation gate, including the one allocating.",
})

func init() {
	prometheus.MustRegister(queueLength)
}
