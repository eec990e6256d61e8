// Package metrics holds the prometheus collectors shared by sessions, connectors and drivers.
// Every method is safe on a nil *Metrics, so components take metrics as an optional option.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction labels.
const (
	Inbound  = "in"
	Outbound = "out"
)

type Metrics struct {
	frames           *prometheus.CounterVec
	framingErrors    *prometheus.CounterVec
	codecErrors      *prometheus.CounterVec
	completions      *prometheus.CounterVec
	droppedReplies   prometheus.Counter
	openSessions     prometheus.Gauge
	dispatchDuration *prometheus.HistogramVec
	handled          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg registers nothing,
// which keeps tests independent of the default registry.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "cloudlet"
	}
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Channel messages moved through sessions.",
		}, []string{"direction", "kind"}),
		framingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "framing_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}, []string{"cause"}),
		codecErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "codec_errors_total",
			Help:      "Payloads that failed to encode or decode.",
		}, []string{"spec", "kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "completions_total",
			Help:      "Request completions by outcome.",
		}, []string{"outcome"}),
		droppedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "dropped_replies_total",
			Help:      "Replies with no pending request (late or duplicate).",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Sessions currently open.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "dispatch_duration_seconds",
			Help:      "Time a callback held the dispatch loop.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "requests_total",
			Help:      "Requests handled by drivers.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.frames, m.framingErrors, m.codecErrors, m.completions,
		m.droppedReplies, m.openSessions, m.dispatchDuration, m.handled,
	}
}

func (m *Metrics) Frame(direction, kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) FramingError(cause string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(cause).Inc()
}

func (m *Metrics) CodecError(spec, kind string) {
	if m == nil {
		return
	}
	m.codecErrors.WithLabelValues(spec, kind).Inc()
}

// Completion counts a resolved request. outcome is "succeeded", "failed" or "remote-error".
func (m *Metrics) Completion(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DroppedReply() {
	if m == nil {
		return
	}
	m.droppedReplies.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}

func (m *Metrics) Dispatch(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Handled(operation, outcome string) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(operation, outcome).Inc()
}
