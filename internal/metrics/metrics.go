package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Processor metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulse",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from a job becoming eligible to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Name:      "job_run_duration_seconds",
		Help:      "Duration of job handler execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently being executed by this worker.",
	})

	LockedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Name:      "locked_jobs",
		Help:      "Number of claimed-but-not-started jobs held by this worker.",
	})

	JobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "jobs_claimed_total",
		Help:      "Total records claimed via the atomic find-and-lock.",
	})

	JobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "job_runs_total",
		Help:      "Total job runs finished, by outcome.",
	}, []string{"outcome"})

	NotificationWakeupsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "notification_wakeups_total",
		Help:      "Poll cycles triggered early by a job notification.",
	})

	// Worker lifecycle

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the processor has shut down.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Name:      "http_request_duration_seconds",
		Help:      "Admin HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "http_requests_total",
		Help:      "Total admin HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobRunDuration,
		JobsInFlight,
		LockedJobs,
		JobsClaimedTotal,
		JobRunsTotal,
		NotificationWakeupsTotal,
		WorkerStartTime,
		WorkerShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
