// Package metrics exposes Prometheus collectors for the capture, classification
// and streaming paths. All methods are safe on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/moodlens/internal/types"
)

const namespace = "moodlens"

// Analysis modes used as the "mode" label.
const (
	ModeContinuous = "continuous"
	ModeStream     = "stream"
	ModeSingle     = "single"
	ModeScan       = "scan"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured   prometheus.Counter
	framesDropped    prometheus.Counter
	acquireErrors    prometheus.Counter
	framesAnalyzed   *prometheus.CounterVec
	classifyErrors   *prometheus.CounterVec
	detections       *prometheus.CounterVec
	classifyDuration *prometheus.HistogramVec
	runState         prometheus.Gauge
	streamSessions   prometheus.Gauge
	streamMessages   *prometheus.CounterVec
}

// New creates the collectors and registers them, plus Go runtime collectors,
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames read from the capture device",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Stale frames overwritten before the sampling loop consumed them",
		}),
		acquireErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_acquire_errors_total",
			Help:      "Failed frame acquisitions in the sampling loop",
		}),
		framesAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_analyzed_total",
			Help:      "Frames handed to the emotion classifier",
		}, []string{"mode"}),
		classifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_errors_total",
			Help:      "Frames the emotion classifier failed on",
		}, []string{"mode"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Faces detected, by dominant emotion",
		}, []string{"mode", "category"}),
		classifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Duration of a single classifier call in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"mode"}),
		runState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "continuous_run_state",
			Help:      "Continuous analysis state: 0 idle, 1 running, 2 stopping",
		}),
		streamSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Open streaming sessions",
		}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Messages sent to streaming clients, by type",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.framesCaptured,
		m.framesDropped,
		m.acquireErrors,
		m.framesAnalyzed,
		m.classifyErrors,
		m.detections,
		m.classifyDuration,
		m.runState,
		m.streamSessions,
		m.streamMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameCaptured() {
	if m != nil {
		m.framesCaptured.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) AcquireFailed() {
	if m != nil {
		m.acquireErrors.Inc()
	}
}

// Classified records one classifier call.
func (m *Metrics) Classified(mode string, took time.Duration, dets []types.Detection, err error) {
	if m == nil {
		return
	}
	m.framesAnalyzed.WithLabelValues(mode).Inc()
	m.classifyDuration.WithLabelValues(mode).Observe(took.Seconds())
	if err != nil {
		m.classifyErrors.WithLabelValues(mode).Inc()
		return
	}
	for _, d := range dets {
		m.detections.WithLabelValues(mode, string(d.Category)).Inc()
	}
}

// SetRunState publishes the continuous analysis state as a number.
func (m *Metrics) SetRunState(v int) {
	if m != nil {
		m.runState.Set(float64(v))
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.streamSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.streamSessions.Dec()
	}
}

func (m *Metrics) StreamMessage(kind string) {
	if m != nil {
		m.streamMessages.WithLabelValues(kind).Inc()
	}
}
