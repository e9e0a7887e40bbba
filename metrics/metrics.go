// Package metrics exposes session counters as Prometheus collectors. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/capstream/distribution"
)

const namespace = "capstream"

// Drop reasons.
const (
	ReasonRingFull   = "ring_full"
	ReasonPipeline   = "pipeline"
	ReasonStageError = "stage_error"
)

// Sink outcomes.
const (
	ResultOK           = "ok"
	ResultBackpressure = "backpressure"
	ResultFailed       = "failed"
)

// Metrics holds every collector a session reports to.
type Metrics struct {
	reg *prometheus.Registry

	captured  *prometheus.CounterVec
	processed *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	sinks     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	ringUsed  *prometheus.GaugeVec
	ringCap   *prometheus.GaugeVec
	poolIdle  *prometheus.GaugeVec
	poolMax   *prometheus.GaugeVec
	sessions  prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_captured_total",
			Help: "Frames read from the capture source.",
		}, []string{"session"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_processed_total",
			Help: "Frames that left the pipeline and were broadcast.",
		}, []string{"session"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames dropped before reaching the sinks, by reason.",
		}, []string{"session", "reason"}),
		sinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_frames_total",
			Help: "Per-sink broadcast outcomes.",
		}, []string{"session", "sink", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "process_duration_seconds",
			Help:    "Time from ring read to broadcast completion.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"session"}),
		ringUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ring_frames",
			Help: "Frames waiting in the capture ring.",
		}, []string{"session"}),
		ringCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ring_capacity_frames",
			Help: "Capture ring capacity.",
		}, []string{"session"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_idle_buffers",
			Help: "Idle buffers in the session frame pool.",
		}, []string{"session"}),
		poolMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_max_buffers",
			Help: "Session frame pool bound.",
		}, []string{"session"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently running.",
		}),
	}
	m.reg.MustRegister(
		m.captured, m.processed, m.dropped, m.sinks, m.duration,
		m.ringUsed, m.ringCap, m.poolIdle, m.poolMax, m.sessions,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Captured(session string) {
	if m == nil {
		return
	}
	m.captured.WithLabelValues(session).Inc()
}

func (m *Metrics) Dropped(session, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(session, reason).Inc()
}

// Processed records one broadcast frame and how long it took.
func (m *Metrics) Processed(session string, d time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(session).Inc()
	m.duration.WithLabelValues(session).Observe(d.Seconds())
}

// SinkResults records the outcome of one broadcast for every sink.
func (m *Metrics) SinkResults(session string, results []distribution.Result) {
	if m == nil {
		return
	}
	for _, r := range results {
		result := ResultOK
		switch {
		case r.Err == nil:
		case distribution.IsTransient(r.Err):
			result = ResultBackpressure
		default:
			result = ResultFailed
		}
		m.sinks.WithLabelValues(session, r.Sink, result).Inc()
	}
}

// Ring records capture ring occupancy.
func (m *Metrics) Ring(session string, used, capacity int) {
	if m == nil {
		return
	}
	m.ringUsed.WithLabelValues(session).Set(float64(used))
	m.ringCap.WithLabelValues(session).Set(float64(capacity))
}

// Pool records frame pool idle count and bound.
func (m *Metrics) Pool(session string, idle, max int) {
	if m == nil {
		return
	}
	m.poolIdle.WithLabelValues(session).Set(float64(idle))
	m.poolMax.WithLabelValues(session).Set(float64(max))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionEnded records a session exit and removes its labelled series.
func (m *Metrics) SessionEnded(session string) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.ringUsed.DeleteLabelValues(session)
	m.ringCap.DeleteLabelValues(session)
	m.poolIdle.DeleteLabelValues(session)
	m.poolMax.DeleteLabelValues(session)
}
