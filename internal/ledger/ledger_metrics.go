package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by transaction type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by transaction type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by transaction type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bazaar",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerRejectedTotal counts operations refused by the store, by reason.
	LedgerRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "ledger_rejected_total",
			Help:      "Ledger operations rejected by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerRejectedTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// observeRejection records why a store refused an operation.
func observeRejection(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientFunds):
		LedgerRejectedTotal.WithLabelValues("insufficient_funds").Inc()
	case errors.Is(err, ErrDuplicateDeposit):
		LedgerRejectedTotal.WithLabelValues("duplicate_deposit").Inc()
	default:
		LedgerRejectedTotal.WithLabelValues("error").Inc()
	}
}
