package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	stuckMilestones = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigledger",
		Subsystem: "reconciliation",
		Name:      "stuck_milestones",
		Help:      "Submitted milestones past their auto-release deadline in the last run.",
	})

	stuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigledger",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Delivered escrows past their auto-release deadline in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gigledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation scan errors.",
	})
)

func init() {
	prometheus.MustRegister(
		stuckMilestones,
		stuckEscrows,
		runDuration,
		runErrors,
	)
}
