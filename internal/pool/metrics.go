package pool

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcome.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

var (
	handlesAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_handles_available",
			Help: "Number of pooled resource handles currently free.",
		},
	)

	handlesBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_handles_busy",
			Help: "Number of pooled resource handles checked out to a running task.",
		},
	)

	tasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_tasks_queued",
			Help: "Number of tasks waiting for a free handle.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_queue_wait_seconds",
			Help:    "Time a task spent queued before a handle was assigned, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_task_seconds",
			Help:    "Duration of task execution on a pooled handle, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_tasks_total",
			Help: "Total number of pooled tasks by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(handlesAvailable)
	prometheus.MustRegister(handlesBusy)
	prometheus.MustRegister(tasksQueued)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(tasksTotal)

	tasksTotal.WithLabelValues(outcomeCompleted)
	tasksTotal.WithLabelValues(outcomeFailed)
}

// observeLocked mirrors the pool occupancy into the gauges. p.mu must be held.
func (p *Pool[R]) observeLocked() {
	handlesAvailable.Set(float64(len(p.free)))
	handlesBusy.Set(float64(p.busy))
	tasksQueued.Set(float64(len(p.queue)))
}
