package client

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio/internal/engine"
	"github.com/luciancaetano/kephasio/internal/metrics"
	"github.com/luciancaetano/kephasio/internal/transport"
)

// Options configure a Manager and the channels created through it.
//
// The zero value disables reconnection, upgrades and auto-connect; start
// from DefaultOptions and override what you need.
type Options struct {
	// Path is the server endpoint path (default: "/socket.io").
	Path string

	// Query is added to every request of the underlying session.
	Query url.Values

	// Header is sent with every HTTP request and the WebSocket handshake.
	Header http.Header

	// Transports in order of preference.
	Transports []transport.Name

	// Upgrade enables probing the remaining transports once connected.
	Upgrade bool

	// RememberUpgrade opens WebSocket directly when the previous session of
	// this manager reached it.
	RememberUpgrade bool

	ForceBase64       bool
	TimestampRequests bool
	TimestampParam    string
	RequestTimeout    time.Duration

	HTTPClient         *http.Client
	WebSocketDialer    *websocket.Dialer
	WebTransportDialer transport.StreamDialer

	// FlushRate bounds how often buffered packets are written to the
	// transport. Zero means unlimited.
	FlushRate  rate.Limit
	FlushBurst int

	// Reconnection enables automatic reconnection after an unexpected close.
	Reconnection bool

	// ReconnectionAttempts caps consecutive attempts. Zero means unlimited.
	ReconnectionAttempts int

	// ReconnectionDelay is the delay before the first attempt; it doubles on
	// every attempt up to ReconnectionDelayMax.
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration

	// RandomizationFactor jitters every delay by up to this fraction.
	RandomizationFactor float64

	// Timeout aborts a connection attempt that did not open in time.
	// Zero means no limit.
	Timeout time.Duration

	// AutoConnect connects channels as soon as they are created.
	AutoConnect bool

	// ForceNew makes a Registry create a dedicated manager.
	ForceNew bool

	// Multiplex lets a Registry share one manager per target.
	Multiplex bool

	ChannelOptions

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Tracer receives one span per connection attempt. Defaults to the
	// global provider's "kephasio" tracer.
	Tracer trace.Tracer

	newSession func(engine.Options, engine.Handler) session
}

// ChannelOptions configure one namespace.
type ChannelOptions struct {
	// Auth is sent with the namespace connect packet.
	Auth map[string]any

	// AuthFunc, if set, produces the connect payload on every connect and
	// takes precedence over Auth. It runs on the manager's loop and must not
	// block.
	AuthFunc func() map[string]any

	// AckTimeout is the default acknowledgement timeout. Zero means none.
	AckTimeout time.Duration

	// Retries enables the offline queue: every emit is queued and sent one
	// at a time, each attempted at most Retries+1 times.
	Retries int
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Path:                 "/socket.io",
		Transports:           []transport.Name{transport.Polling, transport.WebSocket, transport.WebTransport},
		Upgrade:              true,
		TimestampRequests:    true,
		TimestampParam:       "t",
		Reconnection:         true,
		ReconnectionDelay:    time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		RandomizationFactor:  0.5,
		Timeout:              20 * time.Second,
		AutoConnect:          true,
		Multiplex:            true,
	}
}

// engineOptions derives the session configuration for endpoint.
func (o *Options) engineOptions(endpoint *url.URL) engine.Options {
	return engine.Options{
		URL:                endpoint,
		Query:              o.Query,
		Header:             o.Header,
		Transports:         o.Transports,
		Upgrade:            o.Upgrade,
		RememberUpgrade:    o.RememberUpgrade,
		ForceBase64:        o.ForceBase64,
		TimestampRequests:  o.TimestampRequests,
		TimestampParam:     o.TimestampParam,
		RequestTimeout:     o.RequestTimeout,
		HTTPClient:         o.HTTPClient,
		WebSocketDialer:    o.WebSocketDialer,
		WebTransportDialer: o.WebTransportDialer,
		FlushRate:          o.FlushRate,
		FlushBurst:         o.FlushBurst,
	}
}

// sharingKey renders the options that shape a connection. Call sites whose
// keys differ never share a manager. Channel options, observability hooks
// and the WebTransport dialer are not part of it.
func (o *Options) sharingKey(rawQuery string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "q=%s&%s;", rawQuery, o.Query.Encode())

	b.WriteString("h=")
	for _, k := range slices.Sorted(maps.Keys(o.Header)) {
		fmt.Fprintf(&b, "%s:%q,", http.CanonicalHeaderKey(k), o.Header[k])
	}

	fmt.Fprintf(&b, ";tr=%v;up=%t,%t;b64=%t;ts=%t,%s;rt=%s;flush=%v,%d",
		o.Transports, o.Upgrade, o.RememberUpgrade, o.ForceBase64,
		o.TimestampRequests, o.TimestampParam, o.RequestTimeout,
		float64(o.FlushRate), o.FlushBurst)
	fmt.Fprintf(&b, ";re=%t,%d,%s,%s,%g;to=%s;auto=%t",
		o.Reconnection, o.ReconnectionAttempts, o.ReconnectionDelay,
		o.ReconnectionDelayMax, o.RandomizationFactor, o.Timeout, o.AutoConnect)
	fmt.Fprintf(&b, ";http=%p;ws=%p", o.HTTPClient, o.WebSocketDialer)
	return b.String()
}
