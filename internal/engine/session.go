// Package engine implements the connection session: it owns the active
// transport, performs the handshake, watches the heartbeat, buffers
// outgoing packets and upgrades to better transports without losing any.
//
// A Session is not safe for concurrent use: every method must be called on
// its loop, and its Handler runs there.
package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/transport"
)

// Session is one logical engine connection over one active transport.
type Session struct {
	opts    Options
	loop    *loop.Loop
	logger  *slog.Logger
	handler Handler
	prior   *atomic.Bool

	state     State
	transport transport.Transport
	id        string

	upgrades     []transport.Name
	pingInterval time.Duration
	pingTimeout  time.Duration
	maxPayload   int
	pingTimer    *loop.Timer

	writeBuffer   []packet.Packet
	prevBufferLen int
	limiter       *rate.Limiter
	flushTimer    *loop.Timer

	upgrading bool
	probes    []*probe

	// run once the write buffer drained / the pending upgrade settled
	onDrained     func()
	onUpgradeDone func()
}

// New creates a closed Session. handler receives every event.
func New(opts Options, handler Handler) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}
	prior := opts.PriorWebSocket
	if prior == nil {
		prior = &atomic.Bool{}
	}
	if opts.newTransport == nil {
		opts.newTransport = transport.New
	}
	opts.Transports = slices.Clone(opts.Transports)

	limit, burst := opts.FlushRate, opts.FlushBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	return &Session{
		opts:    opts,
		loop:    opts.Loop,
		logger:  logger,
		handler: handler,
		prior:   prior,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// ID returns the session id, empty until the handshake.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Upgrading reports whether a transport switch is in progress.
func (s *Session) Upgrading() bool { return s.upgrading }

// TransportName returns the name of the active transport, if any.
func (s *Session) TransportName() transport.Name {
	if s.transport == nil {
		return ""
	}
	return s.transport.Name()
}

// Writable reports whether the active transport can take a write right now.
func (s *Session) Writable() bool {
	return s.transport != nil && s.transport.Writable()
}

// MaxPayload returns the server's payload limit, zero before the handshake.
func (s *Session) MaxPayload() int { return s.maxPayload }

func (s *Session) emit(ev Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

// Open opens the first transport in the preference list.
func (s *Session) Open() {
	var name transport.Name
	switch {
	case s.opts.RememberUpgrade && s.prior.Load() && slices.Contains(s.opts.Transports, transport.WebSocket):
		name = transport.WebSocket
	case len(s.opts.Transports) == 0:
		// reported asynchronously so callers can finish wiring first
		s.loop.Post(func() {
			s.emit(Event{Kind: EventError, Err: kephasio.ErrNoTransports})
		})
		return
	default:
		name = s.opts.Transports[0]
	}

	tr, err := s.createTransport(name)
	if err != nil {
		s.logger.Warn("cannot create transport", "transport", name, "error", err)
		s.opts.Transports = slices.DeleteFunc(s.opts.Transports, func(n transport.Name) bool { return n == name })
		s.Open()
		return
	}
	s.state = StateOpening
	s.setTransport(tr)
	tr.Open()
}

func (s *Session) createTransport(name transport.Name) (transport.Transport, error) {
	query := make(map[string][]string, len(s.opts.Query))
	for k, v := range s.opts.Query {
		query[k] = slices.Clone(v)
	}
	return s.opts.newTransport(name, transport.Options{
		URL:                s.opts.URL,
		Query:              query,
		Header:             s.opts.Header,
		SID:                s.id,
		ForceBase64:        s.opts.ForceBase64,
		TimestampRequests:  s.opts.TimestampRequests,
		TimestampParam:     s.opts.TimestampParam,
		RequestTimeout:     s.opts.RequestTimeout,
		HTTPClient:         s.opts.HTTPClient,
		WebSocketDialer:    s.opts.WebSocketDialer,
		WebTransportDialer: s.opts.WebTransportDialer,
		Loop:               s.loop,
		Logger:             s.logger,
	})
}

// setTransport makes tr the active transport. The previous one stops
// delivering events.
func (s *Session) setTransport(tr transport.Transport) {
	if s.transport != nil {
		s.transport.SetListener(nil)
	}
	s.transport = tr
	tr.SetListener(func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventDrain:
			s.onDrain()
		case transport.EventPacket:
			s.onPacket(ev.Packet)
		case transport.EventError:
			s.onError(ev.Err)
		case transport.EventClose:
			s.onClose(kephasio.ReasonTransportClose, ev.Err)
		}
	})
}

func (s *Session) onPacket(p packet.Packet) {
	if s.state != StateOpening && s.state != StateOpen && s.state != StateClosing {
		return
	}

	s.emit(Event{Kind: EventPacket, Packet: p})
	s.resetPingTimeout()

	switch p.Type {
	case packet.Open:
		var hs Handshake
		if err := json.Unmarshal(p.Data, &hs); err != nil {
			s.onError(fmt.Errorf("%s: %w", kephasio.ErrInvalidHandshake, err))
			return
		}
		s.onHandshake(&hs)
	case packet.Ping:
		s.sendPacket(packet.Packet{Type: packet.Pong})
		s.emit(Event{Kind: EventPing})
	case packet.Error:
		s.onError(&ServerError{Code: string(p.Data)})
	case packet.Message:
		s.emit(Event{Kind: EventMessage, Packet: p})
	}
}

func (s *Session) onHandshake(hs *Handshake) {
	s.emit(Event{Kind: EventHandshake, Handshake: hs})
	s.id = hs.SID
	s.transport.SetSID(hs.SID)
	s.upgrades = s.filterUpgrades(hs.Upgrades)
	s.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
	s.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond
	s.maxPayload = hs.MaxPayload

	s.logger.Info("session open", "sid", s.id, "transport", s.transport.Name(), "upgrades", s.upgrades)
	s.onOpen()
	if s.state != StateClosed {
		s.resetPingTimeout()
	}
}

// filterUpgrades keeps the server's upgrades the client also supports.
func (s *Session) filterUpgrades(offered []string) []transport.Name {
	var out []transport.Name
	for _, name := range offered {
		if slices.Contains(s.opts.Transports, transport.Name(name)) {
			out = append(out, transport.Name(name))
		}
	}
	return out
}

func (s *Session) onOpen() {
	s.state = StateOpen
	s.prior.Store(s.transport.Name() == transport.WebSocket)
	s.emit(Event{Kind: EventOpen})
	s.flush()

	if s.state == StateOpen && s.opts.Upgrade {
		for _, name := range s.upgrades {
			s.probe(name)
		}
	}
}

// resetPingTimeout closes the session unless another packet arrives within
// pingInterval + pingTimeout. It is inert before the handshake.
func (s *Session) resetPingTimeout() {
	s.pingTimer.Stop()
	if s.pingInterval+s.pingTimeout <= 0 {
		return
	}
	s.pingTimer = s.loop.AfterFunc(s.pingInterval+s.pingTimeout, func() {
		s.logger.Warn("heartbeat timeout", "sid", s.id)
		s.onClose(kephasio.ReasonPingTimeout, nil)
	})
}

// Send queues a message packet.
func (s *Session) Send(p packet.Packet) {
	p.Type = packet.Message
	s.sendPacket(p)
}

func (s *Session) sendPacket(p packet.Packet) {
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.writeBuffer = append(s.writeBuffer, p)
	s.flush()
}

// flush hands the write buffer to the transport if it can take it, paced
// by the flush limiter.
func (s *Session) flush() {
	if !s.canFlush() || s.flushTimer != nil {
		return
	}
	if d := s.limiter.Reserve().Delay(); d > 0 {
		s.flushTimer = s.loop.AfterFunc(d, func() {
			s.flushTimer = nil
			if s.canFlush() {
				s.write()
			}
		})
		return
	}
	s.write()
}

func (s *Session) canFlush() bool {
	return s.state != StateClosed &&
		s.transport != nil &&
		s.transport.Writable() &&
		!s.upgrading &&
		len(s.writeBuffer) > 0
}

func (s *Session) write() {
	packets := s.writablePackets()
	s.transport.Send(slices.Clone(packets))
	s.prevBufferLen = len(packets)
	s.emit(Event{Kind: EventFlush})
}

// writablePackets returns the head of the write buffer that fits into one
// polling request under the server's maxPayload.
func (s *Session) writablePackets() []packet.Packet {
	if s.maxPayload <= 0 || s.transport.Name() != transport.Polling || len(s.writeBuffer) < 2 {
		return s.writeBuffer
	}
	size := 1
	for i, p := range s.writeBuffer {
		size += packet.EncodedLen(p)
		if i > 0 && size > s.maxPayload {
			return s.writeBuffer[:i]
		}
		size += 2
	}
	return s.writeBuffer
}

func (s *Session) onDrain() {
	s.writeBuffer = s.writeBuffer[s.prevBufferLen:]
	s.prevBufferLen = 0
	if len(s.writeBuffer) > 0 {
		s.flush()
		return
	}

	s.writeBuffer = nil
	s.emit(Event{Kind: EventDrain})
	if fn := s.onDrained; fn != nil {
		s.onDrained = nil
		fn()
	}
}

// Close closes the session once buffered packets were written and a
// running upgrade settled.
func (s *Session) Close() {
	if s.state != StateOpening && s.state != StateOpen {
		return
	}
	s.state = StateClosing

	closeNow := func() {
		s.onClose(kephasio.ReasonForcedClose, nil)
	}
	afterUpgrade := func() {
		if s.upgrading {
			s.onUpgradeDone = closeNow
			return
		}
		closeNow()
	}

	if len(s.writeBuffer) > 0 {
		s.onDrained = afterUpgrade
		return
	}
	afterUpgrade()
}

func (s *Session) onError(err error) {
	s.prior.Store(false)
	s.logger.Debug("session error", "sid", s.id, "error", err)
	s.emit(Event{Kind: EventError, Err: err})
	s.onClose(kephasio.ReasonTransportError, err)
}

func (s *Session) onClose(reason string, err error) {
	if s.state != StateOpening && s.state != StateOpen && s.state != StateClosing {
		return
	}

	s.pingTimer.Stop()
	s.flushTimer.Stop()
	s.flushTimer = nil
	for _, p := range slices.Clone(s.probes) {
		s.abortProbe(p)
	}

	if s.transport != nil {
		s.transport.SetListener(nil)
		s.transport.Close()
	}

	s.state = StateClosed
	s.id = ""
	s.upgrading = false
	s.writeBuffer = nil
	s.prevBufferLen = 0
	s.onDrained = nil
	s.onUpgradeDone = nil

	s.logger.Info("session closed", "reason", reason, "error", err)
	s.emit(Event{Kind: EventClose, Reason: reason, Err: err})
}
