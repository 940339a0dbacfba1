package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/cauldron/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cauldron_runs_total",
			Help: "Total number of finished runs.",
		},
		[]string{"backend", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cauldron_run_duration_seconds",
			Help:    "Wall-clock duration of backend runs in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cauldron_runs_in_flight",
			Help: "Number of runs currently calling a backend.",
		},
	)

	experimentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cauldron_experiments_total",
			Help: "Total number of experiments that reached a terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(runsInFlight)
	prometheus.MustRegister(experimentsTotal)
}

func observeRun(r *model.Run) {
	runsTotal.WithLabelValues(r.Backend, r.Status).Inc()
	if r.DurationMS != nil {
		runDuration.WithLabelValues(r.Backend).Observe(float64(*r.DurationMS) / 1000)
	}
}
