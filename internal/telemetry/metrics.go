package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_admitted_total", Help: "Jobs admitted into the queue"})
	ValidationRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_validation_rejects_total", Help: "Jobs rejected by the content validator"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_rate_limit_rejects_total", Help: "Requests rejected by the tenant rate limiter"})
	JobsPublished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_published_total", Help: "Jobs published on every target platform"})
	RetriesScheduled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_retries_scheduled_total", Help: "Failed attempts that scheduled a retry"})
	DeadLettered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_dead_lettered_total", Help: "Jobs moved to terminal failure"})
	EventsDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_events_dropped_total", Help: "Status events dropped because the sink buffer was full"})
	StalledJobs       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_stalled_jobs_total", Help: "Dispatches cut short by a failed status write"})
	RecoveredJobs     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_recovered_jobs_total", Help: "Jobs resumed by startup recovery"}, []string{"bucket"})
	DispatchOutcomes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_dispatch_total", Help: "Adapter calls by platform and outcome"}, []string{"platform", "outcome"})
	DispatchLatency   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publish_dispatch_duration_seconds",
		Help:    "Adapter call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})
	ReadyGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_ready_jobs", Help: "Jobs waiting for a worker"})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_inflight_jobs", Help: "Jobs currently being dispatched"})
	TimersGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_armed_timers", Help: "Schedule and backoff timers armed in this process"})
	DueIndexGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_due_index_depth", Help: "Jobs waiting in the shared due index"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			ValidationRejects,
			RateLimitRejects,
			JobsPublished,
			RetriesScheduled,
			DeadLettered,
			EventsDropped,
			StalledJobs,
			RecoveredJobs,
			DispatchOutcomes,
			DispatchLatency,
			ReadyGauge,
			InFlightGauge,
			TimersGauge,
			DueIndexGauge,
		)
	})
	return promhttp.Handler()
}
