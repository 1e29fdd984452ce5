package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjutsu_jobs_submitted_total", Help: "Accepted generation requests"}, []string{"model"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genjutsu_jobs_finished_total", Help: "Jobs that reached a terminal state"}, []string{"model", "state"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "genjutsu_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	NotifyFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "genjutsu_notify_failures_total", Help: "Status pushes that failed"})
	NotifyDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "genjutsu_notify_dropped_total", Help: "Status pushes dropped on a full lane"})
	RecordFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "genjutsu_status_fallbacks_total", Help: "Status reads served from the queue-native record"})
	LeasesReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "genjutsu_leases_reaped_total", Help: "Running jobs failed after their worker lease expired"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "genjutsu_queue_depth", Help: "Ready queue depth per model"}, []string{"model"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genjutsu_inflight", Help: "Jobs currently generating in this process"})
	GenerationTime   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genjutsu_generation_seconds",
		Help:    "Backend generation wall time",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"model"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			RateLimitRejects,
			NotifyFailures,
			NotifyDropped,
			RecordFallbacks,
			LeasesReaped,
			QueueDepthGauge,
			InFlightGauge,
			GenerationTime,
		)
	})
	return promhttp.Handler()
}
