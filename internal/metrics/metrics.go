// Package metrics exposes the broker's operational counters and gauges
// through Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's collectors. Gauges are labeled by domain,
// the listen URI of the server they describe.
type Metrics struct {
	Connections   *prometheus.GaugeVec
	Clients       *prometheus.GaugeVec
	Services      *prometheus.GaugeVec
	Subscriptions *prometheus.GaugeVec

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	Failures         *prometheus.CounterVec

	HandshakeTimeouts prometheus.Counter
	OrphansReaped     prometheus.Counter

	registry *prometheus.Registry
}

// New constructs and registers the broker collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpaf_connections",
			Help: "Currently open transport connections.",
		}, []string{"domain"}),
		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpaf_clients",
			Help: "Clients known to the service-discovery database.",
		}, []string{"domain"}),
		Services: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpaf_services",
			Help: "Services currently published.",
		}, []string{"domain"}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpaf_subscriptions",
			Help: "Subscriptions currently installed.",
		}, []string{"domain"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpaf_messages_received_total",
			Help: "Protocol messages received from clients.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpaf_messages_sent_total",
			Help: "Protocol messages sent to clients.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tpaf_failures_total",
			Help: "Fail responses sent, by reason.",
		}, []string{"reason"}),
		HandshakeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpaf_handshake_timeouts_total",
			Help: "Connections dropped for not completing the handshake in time.",
		}),
		OrphansReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpaf_orphans_reaped_total",
			Help: "Orphan services purged on TTL expiry.",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.Connections, m.Clients, m.Services, m.Subscriptions,
		m.MessagesReceived, m.MessagesSent, m.Failures,
		m.HandshakeTimeouts, m.OrphansReaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a scrape endpoint on addr until the server fails.
func (m *Metrics) Serve(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
