package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the coordination layer's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	EventsEmitted     *prometheus.CounterVec
	SendsDropped      prometheus.Counter
	InboundIgnored    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mealmesh_connections_active",
			Help: "Number of live WebSocket connections.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mealmesh_events_emitted_total",
			Help: "Events pushed to rooms, by event kind.",
		}, []string{"kind"}),
		SendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mealmesh_sends_dropped_total",
			Help: "Per-connection sends dropped because the peer was slow or gone.",
		}),
		InboundIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mealmesh_inbound_ignored_total",
			Help: "Inbound client messages ignored as unknown or malformed.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.EventsEmitted,
		m.SendsDropped,
		m.InboundIgnored,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
