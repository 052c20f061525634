package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_published_total",
		Help: "The total number of published jobs",
	}, []string{"queue"})

	JobsReserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_reserved_total",
		Help: "The total number of reserved jobs",
	}, []string{"queue"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "The total number of completed jobs",
	}, []string{"queue"})

	ConsumeEmpty = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consume_empty_total",
		Help: "Consume requests that timed out with no job",
	}, []string{"queue"})

	ConsumeWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consume_wait_seconds",
		Help:    "Time consume requests spent blocked waiting for a job.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"queue"})

	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workers_online",
		Help: "Pending consumers plus attached worker sessions",
	})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
