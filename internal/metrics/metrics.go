// Package metrics exposes Prometheus collectors for connection managers.
//
// A *Metrics is shared by every manager that should report into the same
// registry. All methods are safe on a nil receiver, so instrumented code
// never has to check whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "kephasio").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "kephasio",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors.
type Metrics struct {
	reconnectAttempts prometheus.Counter
	reconnects        prometheus.Counter
	reconnectFailures prometheus.Counter
	upgrades          *prometheus.CounterVec
	packetsIn         *prometheus.CounterVec
	packetsOut        *prometheus.CounterVec
	ackTimeouts       prometheus.Counter
	connectedChannels *prometheus.GaugeVec
}

// New registers the collectors. Registering twice on the same registry
// panics, so create one Metrics per registry and share it.
func New(cfg Config) *Metrics {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Registry == nil {
		cfg.Registry = def.Registry
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Total number of reconnection attempts",
			ConstLabels: cfg.ConstLabels,
		}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total number of successful reconnections",
			ConstLabels: cfg.ConstLabels,
		}),

		reconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnect_failures_total",
			Help:        "Total number of times reconnection attempts were exhausted",
			ConstLabels: cfg.ConstLabels,
		}),

		upgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "upgrades_total",
			Help:        "Total number of transport upgrades",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		packetsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "packets_received_total",
			Help:        "Total number of session packets received",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		packetsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "packets_sent_total",
			Help:        "Total number of session packets sent",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		ackTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "ack_timeouts_total",
			Help:        "Total number of acknowledgements that timed out",
			ConstLabels: cfg.ConstLabels,
		}),

		connectedChannels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connected_channels",
			Help:        "Number of namespaces currently connected",
			ConstLabels: cfg.ConstLabels,
		}, []string{"namespace"}),
	}
}

// ReconnectAttempt records a reconnection attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// Reconnected records a successful reconnection.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ReconnectFailed records exhausted reconnection attempts.
func (m *Metrics) ReconnectFailed() {
	if m == nil {
		return
	}
	m.reconnectFailures.Inc()
}

// Upgrade records a transport upgrade.
func (m *Metrics) Upgrade(transport string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(transport).Inc()
}

// PacketIn records a received session packet.
func (m *Metrics) PacketIn(packetType string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(packetType).Inc()
}

// PacketOut records a sent session packet.
func (m *Metrics) PacketOut(packetType string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(packetType).Inc()
}

// AckTimeout records an acknowledgement timeout.
func (m *Metrics) AckTimeout() {
	if m == nil {
		return
	}
	m.ackTimeouts.Inc()
}

// ChannelConnected records a namespace connection.
func (m *Metrics) ChannelConnected(namespace string) {
	if m == nil {
		return
	}
	m.connectedChannels.WithLabelValues(namespace).Inc()
}

// ChannelDisconnected records a namespace disconnection.
func (m *Metrics) ChannelDisconnected(namespace string) {
	if m == nil {
		return
	}
	m.connectedChannels.WithLabelValues(namespace).Dec()
}
