package engine

import "github.com/prometheus/client_golang/prometheus"

// Reasons a job is dropped without rendering.
const (
	reasonMalformed   = "malformed"
	reasonUnknownKind = "unknown_kind"
	reasonInvalid     = "invalid_payload"
)

var (
	rendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_renders_total",
			Help: "Total renders by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_render_duration_seconds",
			Help:    "Time from render start to upload completion.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"kind"},
	)

	jobsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_dropped_total",
			Help: "Jobs acknowledged without rendering, by reason.",
		},
		[]string{"reason"},
	)

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_jobs_in_flight",
		Help: "Jobs currently being handled.",
	})
)

func init() {
	prometheus.MustRegister(rendersTotal, renderDuration, jobsDropped, inFlight)
}
