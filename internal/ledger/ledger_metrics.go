package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gigledger",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gigledger",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Time spent applying a balance change.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// kesMoved sums applied amounts per transaction type so holds, releases
	// and fees can be compared on one dashboard.
	kesMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gigledger",
			Subsystem: "ledger",
			Name:      "kes_moved_total",
			Help:      "Whole KES moved by transaction type and direction.",
		},
		[]string{"type", "direction"},
	)
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, kesMoved)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, ErrWalletNotFound):
		return "not_found"
	}
	return "error"
}

// track starts timing op. The returned func records the outcome and, for
// applied transactions, the amount moved.
func track(op string) func(tx *Transaction, err error) {
	start := time.Now()
	return func(tx *Transaction, err error) {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		opsTotal.WithLabelValues(op, outcome(err)).Inc()
		if err != nil || tx == nil {
			return
		}
		direction := "in"
		amount := tx.Amount
		if amount < 0 {
			direction, amount = "out", -amount
		}
		kesMoved.WithLabelValues(string(tx.Type), direction).Add(float64(amount))
	}
}
