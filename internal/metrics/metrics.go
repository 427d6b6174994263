// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. Each instance carries its own
// registry so independent servers (and tests) never collide on metric names.
type Metrics struct {
	reg *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	CommandsTotal     *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	CommandErrors     prometheus.Counter
}

// New creates a Metrics set. keyCount feeds the live keyspace gauge; pass nil
// to skip it.
func New(keyCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberdb_connections_active",
			Help: "Number of currently open client connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberdb_connections_total",
			Help: "Total number of accepted client connections.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emberdb_commands_total",
			Help: "Total number of executed commands, by command name.",
		}, []string{"command"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberdb_protocol_errors_total",
			Help: "Total number of malformed RESP frames received.",
		}),
		CommandErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberdb_command_errors_total",
			Help: "Total number of malformed command frames received.",
		}),
	}

	if keyCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "emberdb_keys",
			Help: "Number of live keys in the store.",
		}, keyCount))
	}

	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// Handler returns the HTTP handler serving this registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
