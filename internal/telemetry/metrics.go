package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	InteractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_interactions_total",
			Help: "Tracked provider calls by outcome",
		},
		[]string{"provider", "model", "status"},
	)
	UnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_units_total",
			Help: "Metered units by direction",
		},
		[]string{"provider", "model", "direction"},
	)
	CostMicrosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_cost_micros_total",
			Help: "Metered cost in micros",
		},
		[]string{"provider", "model"},
	)
	MissingRatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_missing_rates_total",
			Help: "Calls priced at zero because no rate was known",
		},
		[]string{"provider", "model"},
	)
	BookkeepingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_bookkeeping_errors_total",
			Help: "Swallowed ledger and rollup write failures",
		},
		[]string{"stage"},
	)
	LimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_limit_decisions_total",
			Help: "Cap checks by tier and reason",
		},
		[]string{"tier", "reason"},
	)
	AlertsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_alerts_inserted_total",
			Help: "New threshold alerts",
		},
		[]string{"metric", "severity"},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usage_meter_sweep_duration_milliseconds",
			Help:    "Alert sweep duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
		},
	)
)

func init() {
	prometheus.MustRegister(InteractionsTotal)
	prometheus.MustRegister(UnitsTotal)
	prometheus.MustRegister(CostMicrosTotal)
	prometheus.MustRegister(MissingRatesTotal)
	prometheus.MustRegister(BookkeepingErrorsTotal)
	prometheus.MustRegister(LimitDecisionsTotal)
	prometheus.MustRegister(AlertsInsertedTotal)
	prometheus.MustRegister(SweepDuration)
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
