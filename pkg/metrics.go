package poreflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the work done by detectors and fit tasks. A nil *Metrics
// records nothing.
type Metrics struct {
	chunks   *prometheus.CounterVec
	found    prometheus.Counter
	rejected *prometheus.CounterVec
	fitted   *prometheus.CounterVec
	levels   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poreflow_chunks_total",
			Help: "Chunks processed by the event finder, by baseline result.",
		}, []string{"result"}),
		found: factory.NewCounter(prometheus.CounterOpts{
			Name: "poreflow_events_found_total",
			Help: "Events accepted by the event finder.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poreflow_events_rejected_total",
			Help: "Events rejected, by pipeline stage and reason.",
		}, []string{"stage", "reason"}),
		fitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poreflow_events_fitted_total",
			Help: "Events fitted successfully, by fitter.",
		}, []string{"fitter"}),
		levels: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "poreflow_sublevels",
			Help:    "Number of sublevels per fitted event.",
			Buckets: prometheus.LinearBuckets(3, 1, 10),
		}),
	}
}

func (m *Metrics) chunk(result string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(result).Inc()
}

func (m *Metrics) eventsFound(n int) {
	if m == nil {
		return
	}
	m.found.Add(float64(n))
}

func (m *Metrics) eventRejected(stage, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) eventFitted(fitter string, levels int) {
	if m == nil {
		return
	}
	m.fitted.WithLabelValues(fitter).Inc()
	m.levels.Observe(float64(levels))
}
