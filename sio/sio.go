// Package sio is the entry point of the client.
//
// Connect returns a channel for the namespace named by the URL path, sharing
// one connection per server between namespaces:
//
//	chat, err := sio.Connect("https://example.com/chat", sio.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	chat.On("message", func(args ...any) {
//	    log.Printf("message: %v", args)
//	})
//
// Use NewManager to own the connection explicitly.
package sio

import (
	"github.com/luciancaetano/kephasio/internal/client"
	"github.com/luciancaetano/kephasio/internal/metrics"
	"github.com/luciancaetano/kephasio/internal/transport"
)

type Options = client.Options
type ChannelOptions = client.ChannelOptions
type Manager = client.Manager
type Channel = client.Channel
type Registry = client.Registry
type ConnectError = client.ConnectError
type Metrics = metrics.Metrics
type MetricsConfig = metrics.Config
type TransportName = transport.Name

// Transports, in the default order of preference.
const (
	Polling      = transport.Polling
	WebSocket    = transport.WebSocket
	WebTransport = transport.WebTransport
)

// DefaultRegistry is the registry used by Connect.
var DefaultRegistry = client.NewRegistry()

// DefaultOptions returns the default configuration: path /socket.io, all
// three transports with upgrades, reconnection with a 1s to 5s backoff,
// a 20s connect timeout, auto-connect and multiplexing.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

// Connect returns a channel for the namespace in rawURL's path, reusing the
// connection DefaultRegistry holds for that server unless opts.ForceNew is
// set or multiplexing is off.
func Connect(rawURL string, opts Options) (*Channel, error) {
	return DefaultRegistry.Lookup(rawURL, opts)
}

// Close stops every manager created through Connect.
func Close() {
	DefaultRegistry.Close()
}

// NewManager creates a dedicated manager for the server at rawURL. Its
// channels are created with Manager.Socket.
func NewManager(rawURL string, opts Options) (*Manager, error) {
	return client.NewManager(rawURL, opts)
}

// NewRegistry returns a registry independent of DefaultRegistry.
func NewRegistry() *Registry {
	return client.NewRegistry()
}

// NewMetrics registers the client collectors described by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return metrics.New(cfg)
}

// DefaultMetricsConfig registers under kephasio_client_* on the default
// Prometheus registerer.
func DefaultMetricsConfig() MetricsConfig {
	return metrics.DefaultConfig()
}
