package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the generation counters. A nil *Metrics records nothing.
type Metrics struct {
	generations *prometheus.CounterVec
	duration    prometheus.Histogram
	submissions *prometheus.CounterVec
	pollTimeout prometheus.Counter
	locateMiss  *prometheus.CounterVec
	uploads     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charimage_generations_total",
			Help: "Generation requests by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "charimage_generation_duration_seconds",
			Help:    "Wall clock time of a generation request.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charimage_backend_submissions_total",
			Help: "Workflow submissions to the diffusion backend by result.",
		}, []string{"result"}),
		pollTimeout: f.NewCounter(prometheus.CounterOpts{
			Name: "charimage_poll_timeouts_total",
			Help: "Jobs that were still queued when the poll budget ran out.",
		}),
		locateMiss: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charimage_locate_misses_total",
			Help: "Failed artifact lookups by strategy.",
		}, []string{"strategy"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charimage_uploads_total",
			Help: "Durable storage uploads by mode and result.",
		}, []string{"mode", "result"}),
	}
}

func (m *Metrics) generation(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}

func (m *Metrics) submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) pollTimedOut() {
	if m == nil {
		return
	}
	m.pollTimeout.Inc()
}

func (m *Metrics) locateMissed(strategy string) {
	if m == nil {
		return
	}
	m.locateMiss.WithLabelValues(strategy).Inc()
}

func (m *Metrics) upload(mode, result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(mode, result).Inc()
}
