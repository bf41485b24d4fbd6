package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOrderMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "order_mismatches_total",
		Help:      "Escrows whose wallet postings disagree with their state.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Number of overdue active escrows found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileOrderMismatches,
		reconcileStuckEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}
