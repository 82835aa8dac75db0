// Package transport implements the duplex packet channels a session runs
// over: HTTP long-polling, WebSocket and WebTransport.
//
// Every method of a Transport must be called on the owning loop, and every
// event is delivered on it. Network I/O happens on helper goroutines that
// post their results back.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/packet"
)

// Name identifies a transport variant.
type Name string

const (
	Polling      Name = "polling"
	WebSocket    Name = "websocket"
	WebTransport Name = "webtransport"
)

// State is the lifecycle state of a transport.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StatePausing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// EventKind is the type of an Event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventPacket
	EventDrain
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventPacket:
		return "packet"
	case EventDrain:
		return "drain"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is emitted by a transport on its loop.
type Event struct {
	Kind EventKind
	// Packet is set for EventPacket.
	Packet packet.Packet
	// Err is set for EventError, and for EventClose when the substrate failed.
	Err error
	// Reason describes an EventClose.
	Reason string
}

// Listener receives transport events.
type Listener func(Event)

// Error is a transport failure.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport is a duplex packet channel. Implementations are the three
// variants returned by New.
type Transport interface {
	Name() Name
	State() State
	// Writable reports whether Send may be called without queueing behind an
	// unfinished write.
	Writable() bool
	// SetSID records the session id used in subsequent requests.
	SetSID(sid string)
	// SetListener replaces the event listener. nil drops events.
	SetListener(l Listener)

	// Open starts connecting; it ends in EventOpen or EventError.
	Open()
	// Send writes packets. It is ignored unless the transport is open.
	// EventDrain follows once they were written.
	Send(packets []packet.Packet)
	// Pause stops receiving once in-flight reads and writes are done and
	// then calls onPause.
	Pause(onPause func())
	// Close tears the transport down and emits EventClose.
	Close()
	// Discard releases the transport silently: no close handshake, no events.
	Discard()
}

// StreamDialer opens the bidirectional stream of a WebTransport session.
type StreamDialer interface {
	DialStream(ctx context.Context, url string, header http.Header) (Stream, error)
}

// Stream is the byte stream WebTransport packets are framed on.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Options configure a transport.
type Options struct {
	// URL is the endpoint including path; its scheme is http or https.
	URL *url.URL
	// Query is added to every request.
	Query url.Values
	// Header is sent with every HTTP request and the WebSocket handshake.
	Header http.Header
	// SID is the session id, set when probing or resuming.
	SID string
	// ForceBase64 disables binary frames.
	ForceBase64 bool
	// TimestampRequests adds a cache-busting query parameter.
	TimestampRequests bool
	// TimestampParam names the cache-busting parameter. Defaults to "t".
	TimestampParam string
	// RequestTimeout bounds each polling request. Zero means no limit.
	RequestTimeout time.Duration

	HTTPClient         *http.Client
	WebSocketDialer    *websocket.Dialer
	WebTransportDialer StreamDialer

	// Loop runs every callback. Required.
	Loop   *loop.Loop
	Logger *slog.Logger
}

// New creates a transport of the given variant.
func New(name Name, opts Options) (Transport, error) {
	if opts.Loop == nil {
		return nil, fmt.Errorf("transport: %s requires a loop", name)
	}
	if opts.URL == nil {
		return nil, fmt.Errorf("transport: %s requires a url", name)
	}
	if opts.TimestampParam == "" {
		opts.TimestampParam = "t"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("transport", string(name))

	switch name {
	case Polling:
		return newPolling(opts), nil
	case WebSocket:
		return newWebSocket(opts), nil
	case WebTransport:
		return newWebTransport(opts), nil
	default:
		return nil, fmt.Errorf("%s: %q", kephasio.ErrTransportNotFound, name)
	}
}

// base holds the state shared by every variant.
type base struct {
	name     Name
	opts     Options
	state    State
	writable bool
	listener Listener
	logger   *slog.Logger
}

func newBase(name Name, opts Options) base {
	return base{name: name, opts: opts, logger: opts.Logger}
}

func (b *base) Name() Name             { return b.name }
func (b *base) State() State           { return b.state }
func (b *base) Writable() bool         { return b.writable }
func (b *base) SetSID(sid string)      { b.opts.SID = sid }
func (b *base) SetListener(l Listener) { b.listener = l }

func (b *base) supportsBinary() bool { return !b.opts.ForceBase64 }

// Pause is immediate for transports without request cycles.
func (b *base) Pause(onPause func()) {
	b.state = StatePaused
	onPause()
}

func (b *base) emit(ev Event) {
	if b.listener != nil {
		b.listener(ev)
	}
}

func (b *base) onPacket(p packet.Packet) {
	b.emit(Event{Kind: EventPacket, Packet: p})
}

func (b *base) onOpen() {
	b.state = StateOpen
	b.writable = true
	b.logger.Debug("transport open")
	b.emit(Event{Kind: EventOpen})
}

func (b *base) onDrain() {
	b.writable = true
	b.emit(Event{Kind: EventDrain})
}

func (b *base) onError(reason string, err error) {
	b.logger.Debug("transport error", "reason", reason, "error", err)
	b.emit(Event{Kind: EventError, Err: &Error{Reason: reason, Err: err}})
}

func (b *base) onClose(reason string, err error) {
	b.state = StateClosed
	b.writable = false
	b.logger.Debug("transport closed", "reason", reason)
	b.emit(Event{Kind: EventClose, Reason: reason, Err: err})
}
