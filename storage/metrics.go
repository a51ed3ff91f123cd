package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/anacrolix/piecestore/storage")

var (
	piecesChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piecestore",
		Subsystem: "storage",
		Name:      "pieces_checked_total",
		Help:      "Piece hash checks by result.",
	}, []string{"result"})
	piecesDone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestore",
		Subsystem: "storage",
		Name:      "pieces_done_total",
		Help:      "Pieces that became done.",
	})
	bytesAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestore",
		Subsystem: "storage",
		Name:      "bytes_allocated_total",
		Help:      "Bytes added to files by allocation.",
	})
	faults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piecestore",
		Subsystem: "storage",
		Name:      "faults_total",
		Help:      "Engines that became faulty, by fault code.",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(piecesChecked, piecesDone, bytesAllocated, faults)
}
