// Package metrics exposes Prometheus collectors for a DDP client.
//
// A nil *Metrics is valid and records nothing, so the client can call it
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors fed by one or more clients.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	FramesDropped   prometheus.Counter
	ConnectAttempts *prometheus.CounterVec
	Connected       prometheus.Gauge
	CallsInFlight   prometheus.Gauge
	CallDuration    *prometheus.HistogramVec
	Subscriptions   *prometheus.GaugeVec
	Documents       *prometheus.GaugeVec
}

// New builds the collectors under the given namespace. They are not registered.
func New(namespace string) *Metrics {
	return &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound DDP messages by msg tag.",
		}, []string{"msg"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound DDP messages by msg tag.",
		}, []string{"msg"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_ignored_total",
			Help:      "Inbound frames ignored because they were malformed or not understood.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a session is established.",
		}),
		CallsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_in_flight",
			Help:      "Method calls sent and not yet resolved.",
		}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from sending a method call to its result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Registered subscriptions by state.",
		}, []string{"state"}),
		Documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents",
			Help:      "Documents held per collection.",
		}, []string{"collection"}),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesReceived, m.FramesSent, m.FramesDropped, m.ConnectAttempts, m.Connected,
		m.CallsInFlight, m.CallDuration, m.Subscriptions, m.Documents,
	}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) FrameReceived(tag string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(tag).Inc()
}

func (m *Metrics) FrameSent(tag string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(tag).Inc()
}

func (m *Metrics) FrameIgnored() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// ConnectAttempt records one dial/handshake attempt; outcome is e.g. "ok", "refused", "failed".
func (m *Metrics) ConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsInFlight.Inc()
}

// CallFinished records the end of a call that CallStarted counted.
func (m *Metrics) CallFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CallsInFlight.Dec()
	m.CallDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SubscriptionMoved shifts one subscription between states. An empty from or to is skipped.
func (m *Metrics) SubscriptionMoved(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Subscriptions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Subscriptions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) SetDocuments(collection string, n int) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(collection).Set(float64(n))
}
