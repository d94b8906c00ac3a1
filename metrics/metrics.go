package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchmaker_flushes_total",
			Help: "Total queue flushes into new sessions",
		},
		[]string{"kind"}, // full|partial
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchmaker_provision_duration_seconds",
			Help:    "Duration of game server provisioning including readiness wait",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
	)

	TeardownFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchmaker_teardown_failures_total",
			Help: "Session teardowns that exhausted destroy retries",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchmaker_queue_depth",
			Help: "Players waiting in the matchmaking queue, as last observed",
		},
	)
)

func init() {
	prometheus.MustRegister(FlushesTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(TeardownFailures)
	prometheus.MustRegister(QueueDepth)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
