package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_workers_total",
			Help: "Number of connected workers by state",
		},
		[]string{"state"},
	)

	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_running_jobs",
			Help: "Thunks currently executing or awaiting a worker",
		},
	)

	QueuedThunks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_queued_thunks",
			Help: "Thunks waiting for a newly launched worker",
		},
	)

	ThunksExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_thunks_executed_total",
			Help: "Total number of thunks executed by the fleet",
		},
	)

	ThunksOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_thunks_orphaned_total",
			Help: "Thunks lost to a worker disconnect mid-execution",
		},
	)

	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_invocations_total",
			Help: "Cloud worker invocations by outcome",
		},
		[]string{"outcome"},
	)

	// Protocol metrics
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_frames_received_total",
			Help: "Frames received from workers by opcode",
		},
		[]string{"opcode"},
	)

	BytesPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_dependency_bytes_pushed_total",
			Help: "Dependency blob bytes pushed to workers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(RunningJobs)
	prometheus.MustRegister(QueuedThunks)
	prometheus.MustRegister(ThunksExecuted)
	prometheus.MustRegister(ThunksOrphaned)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(FramesReceived)
	prometheus.MustRegister(BytesPushed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
