package engine

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/transport"
)

// Options configure a Session.
type Options struct {
	// URL is the endpoint including its path, e.g. http://host/socket.io/.
	URL    *url.URL
	Query  url.Values
	Header http.Header

	// Transports in order of preference. The first one is opened; the others
	// are probed as upgrades if the server offers them.
	Transports []transport.Name
	// Upgrade enables upgrade probing.
	Upgrade bool
	// RememberUpgrade opens WebSocket directly if the previous session
	// using the same PriorWebSocket flag upgraded to it.
	RememberUpgrade bool
	// PriorWebSocket records whether the last session reached WebSocket.
	// Sessions of one manager share it. Nil gives the session its own flag.
	PriorWebSocket *atomic.Bool

	ForceBase64       bool
	TimestampRequests bool
	TimestampParam    string
	RequestTimeout    time.Duration

	HTTPClient         *http.Client
	WebSocketDialer    *websocket.Dialer
	WebTransportDialer transport.StreamDialer

	// FlushRate bounds how often the write buffer is flushed to the
	// transport. Zero means unlimited.
	FlushRate  rate.Limit
	FlushBurst int

	// Loop runs every callback. Required.
	Loop   *loop.Loop
	Logger *slog.Logger

	newTransport func(transport.Name, transport.Options) (transport.Transport, error)
}
