package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	EventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_events_handled_total",
			Help: "Total number of node events handled by service",
		},
		[]string{"service"},
	)

	NodesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_nodes_created_total",
			Help: "Total number of nodes created by kind",
		},
		[]string{"kind"},
	)

	NodesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_nodes_completed_total",
			Help: "Total number of nodes reaching done by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Scheduler metrics
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_jobs_dispatched_total",
			Help: "Total number of jobs dispatched by runtime",
		},
		[]string{"runtime"},
	)

	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_dispatch_failures_total",
			Help: "Total number of failed job submissions by runtime",
		},
		[]string{"runtime"},
	)

	// Callback metrics
	CallbackRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_callback_requests_total",
			Help: "Total number of callback requests by runtime and status",
		},
		[]string{"runtime", "status"},
	)

	// Reconciler metrics
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kite_sweep_duration_seconds",
			Help:    "Timeout/holdoff sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_nodes_timed_out_total",
			Help: "Total number of nodes expired by the reconciler",
		},
	)

	// Forwarder metrics
	ReportsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_reports_forwarded_total",
			Help: "Total number of nodes forwarded to the reporting sink",
		},
	)

	ReportsFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_reports_filtered_total",
			Help: "Total number of nodes filtered out of reporting (retry gate)",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsHandled)
	prometheus.MustRegister(NodesCreated)
	prometheus.MustRegister(NodesCompleted)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(DispatchFailures)
	prometheus.MustRegister(CallbackRequests)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(NodesTimedOut)
	prometheus.MustRegister(ReportsForwarded)
	prometheus.MustRegister(ReportsFiltered)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
