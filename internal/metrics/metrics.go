// Package metrics holds the prometheus collectors for the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leadsync"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	FeedEvents        *prometheus.CounterVec
	FeedDeduped       *prometheus.CounterVec
	FeedDecodeErrors  *prometheus.CounterVec
	OpenChannels      *prometheus.GaugeVec
	Writes            *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	NotificationFails *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Change-feed events delivered to handlers",
		}, []string{"table", "kind"}),
		FeedDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "deduped_total",
			Help:      "Insert events skipped because the record was already present",
		}, []string{"table"}),
		FeedDecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "decode_errors_total",
			Help:      "Change-feed rows that could not be decoded",
		}, []string{"table"}),
		OpenChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "open_channels",
			Help:      "Backend channels currently open",
		}, []string{"table"}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "writes_total",
			Help:      "Backend writes issued by view models",
		}, []string{"entity", "op", "status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notifications emitted",
		}, []string{"kind"}),
		NotificationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sink_failures_total",
			Help:      "Notification sink failures",
		}, []string{"sink"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FeedEvents,
			m.FeedDeduped,
			m.FeedDecodeErrors,
			m.OpenChannels,
			m.Writes,
			m.Notifications,
			m.NotificationFails,
		)
	}
	return m
}

// Write records the outcome of one backend write.
func (m *Metrics) Write(entity, op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Writes.WithLabelValues(entity, op, status).Inc()
}
