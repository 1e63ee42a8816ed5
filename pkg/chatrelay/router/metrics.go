package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the router's Prometheus collectors.
type Metrics struct {
	events        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	completion    prometheus.Histogram
	transcription prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "events_total",
			Help:      "Inbound events by channel, message type and outcome.",
		}, []string{"channel", "type", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "failures_total",
			Help:      "Handling failures by stage.",
		}, []string{"stage"}),
		completion: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Name:      "completion_duration_seconds",
			Help:      "Latency of chat completion calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		transcription: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Name:      "transcription_duration_seconds",
			Help:      "Latency of voice transcription including conversion.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.failures, m.completion, m.transcription)
	}
	return m
}

func (m *Metrics) observeEvent(channel, msgType string, o outcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel, msgType, string(o)).Inc()
}

func (m *Metrics) observeFailure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

func (m *Metrics) observeCompletion(seconds float64) {
	if m == nil {
		return
	}
	m.completion.Observe(seconds)
}

func (m *Metrics) observeTranscription(seconds float64) {
	if m == nil {
		return
	}
	m.transcription.Observe(seconds)
}
