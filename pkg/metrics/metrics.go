package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_rt"

type Metrics struct {
	MessagesRelayed      *prometheus.CounterVec
	Pushes               *prometheus.CounterVec
	Mutations            *prometheus.CounterVec
	NotificationsWritten prometheus.Counter
	NotificationsFailed  prometheus.Counter
	NotifyDropped        prometheus.Counter
	Signals              *prometheus.CounterVec
	Channels             prometheus.Gauge
	CallSessions         prometheus.Gauge
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_relayed_total",
			Help: "Chat messages persisted and relayed, by visibility.",
		}, []string{"visibility"}),
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_pushes_total",
			Help: "Frames pushed to individual channels, by result.",
		}, []string{"result"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_mutations_total",
			Help: "Message edits and deletes, by operation and result.",
		}, []string{"op", "result"}),
		NotificationsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_written_total",
			Help: "Notification records persisted.",
		}),
		NotificationsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_failed_total",
			Help: "Notification records that could not be persisted.",
		}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_events_dropped_total",
			Help: "Fan-out events rejected because the queue was full.",
		}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "call_signals_total",
			Help: "Call signaling events, by signal and result.",
		}, []string{"signal", "result"}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "attached_channels",
			Help: "Channels currently attached to the presence registry.",
		}),
		CallSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "call_sessions",
			Help: "Call sessions currently in flight.",
		}),
	}
}

// Discard returns collectors registered on a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
