package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	onlineUsers         prometheus.Gauge
	connections         *prometheus.CounterVec
	admissionRejections *prometheus.CounterVec
	messages            prometheus.Counter
	pushAttempts        *prometheus.CounterVec
	events              *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Users with a counted online session.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Connection attempts by outcome.",
		}, []string{"result"}),
		admissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_admission_rejections_total",
			Help: "Refused connection attempts by reason code.",
		}, []string{"code"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Messages persisted and broadcast.",
		}),
		pushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_push_attempts_total",
			Help: "Push delivery attempts by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound client events by name.",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		m.onlineUsers,
		m.connections,
		m.admissionRejections,
		m.messages,
		m.pushAttempts,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("accepted").Inc()
}

func (m *Metrics) ConnectionRejected(code string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("rejected").Inc()
	m.admissionRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) PushAttempt(result string) {
	if m == nil {
		return
	}
	m.pushAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}
