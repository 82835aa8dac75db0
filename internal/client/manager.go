// Package client implements namespaced channels, the connection manager
// that multiplexes them over one engine session, and the registry that
// shares managers between call sites.
//
// Every Manager runs its own event loop. Channel and Manager methods are
// safe for concurrent use; they post work into the loop and return. Event
// handlers run on the loop and must not block or call blocking methods
// such as EmitWithAck or Stop.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/backoff"
	"github.com/luciancaetano/kephasio/internal/engine"
	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/metrics"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/parser"
	"github.com/luciancaetano/kephasio/internal/transport"
)

const tracerName = "kephasio"

// session is the part of engine.Session the manager drives.
type session interface {
	Open()
	Close()
	Send(p packet.Packet)
	ID() string
	Writable() bool
	TransportName() transport.Name
}

func newEngineSession(opts engine.Options, h engine.Handler) session {
	return engine.New(opts, h)
}

// Manager owns one engine session at a time, multiplexes channels over it
// and reconnects it with exponential backoff.
type Manager struct {
	opts     Options
	endpoint *url.URL
	loop     *loop.Loop
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	prior    atomic.Bool

	mu       sync.Mutex
	channels map[string]*Channel
	handlers map[kephasio.ManagerEvent][]func(kephasio.ManagerEventInfo)
	release  func(*Manager)
	stopped  func(*Manager)

	readyState   atomic.Int32
	reconnecting atomic.Bool

	// owned by the loop
	sess           session
	encoder        parser.Encoder
	decoder        parser.Decoder
	backoff        *backoff.Backoff
	skipReconnect  bool
	openTimer      *loop.Timer
	reconnectTimer *loop.Timer
	onOpened       func(error)
	span           trace.Span
}

var _ kephasio.Manager = (*Manager)(nil)

// NewManager creates a closed manager for the server at rawURL. The path of
// rawURL is ignored; channels name their namespace through Socket.
func NewManager(rawURL string, opts Options) (*Manager, error) {
	t, err := parseTarget(rawURL, opts.Path)
	if err != nil {
		return nil, err
	}
	return newManager(t.endpoint, opts), nil
}

func newManager(endpoint *url.URL, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "manager", "endpoint", endpoint.Host+endpoint.Path)

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if opts.newSession == nil {
		opts.newSession = newEngineSession
	}
	opts.Transports = slices.Clone(opts.Transports)

	return &Manager{
		opts:     opts,
		endpoint: endpoint,
		loop:     loop.New(logger),
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		channels: make(map[string]*Channel),
		handlers: make(map[kephasio.ManagerEvent][]func(kephasio.ManagerEventInfo)),
		backoff: backoff.New(backoff.Config{
			Min:    opts.ReconnectionDelay,
			Max:    opts.ReconnectionDelayMax,
			Factor: 2,
			Jitter: opts.RandomizationFactor,
		}),
	}
}

// Open opens the connection if it is closed.
func (m *Manager) Open() error {
	if !m.loop.Post(func() { m.open(nil) }) {
		return kephasio.ErrManagerClosed
	}
	return nil
}

// Close closes the connection and disables reconnection until the next Open.
func (m *Manager) Close() error {
	if !m.loop.Post(m.close) {
		return kephasio.ErrManagerClosed
	}
	return nil
}

// Stop closes the connection and stops the manager's loop. The manager
// cannot be used afterwards. Stop must not be called from a handler.
//
// Closing or disconnecting every channel releases the connection but not
// the loop goroutine; a manager that is no longer needed must be stopped,
// directly or through Registry.Close.
func (m *Manager) Stop() {
	m.loop.Call(m.close)
	m.loop.Close()

	m.mu.Lock()
	stopped := m.stopped
	m.stopped = nil
	m.mu.Unlock()
	if stopped != nil {
		stopped(m)
	}
}

// ReadyState returns the connection state.
func (m *Manager) ReadyState() kephasio.ReadyState {
	return kephasio.ReadyState(m.readyState.Load())
}

// Reconnecting reports whether a reconnection is scheduled or running.
func (m *Manager) Reconnecting() bool {
	return m.reconnecting.Load()
}

// On registers a handler for a lifecycle event. Handlers run on the loop.
func (m *Manager) On(kind kephasio.ManagerEvent, handler func(info kephasio.ManagerEventInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], handler)
}

// Socket returns the channel for namespace nsp, creating it on first use.
// With AutoConnect the channel is connected if it is not active.
func (m *Manager) Socket(nsp string, opts ChannelOptions) *Channel {
	if nsp == "" {
		nsp = parser.DefaultNamespace
	}
	m.mu.Lock()
	ch, ok := m.channels[nsp]
	if !ok {
		ch = newChannel(m, nsp, opts)
		m.channels[nsp] = ch
	}
	m.mu.Unlock()

	if m.opts.AutoConnect && !ch.Active() {
		ch.Connect()
	}
	return ch
}

func (m *Manager) state() kephasio.ReadyState {
	return kephasio.ReadyState(m.readyState.Load())
}

func (m *Manager) setState(s kephasio.ReadyState) {
	m.readyState.Store(int32(s))
}

func (m *Manager) emit(info kephasio.ManagerEventInfo) {
	m.mu.Lock()
	handlers := slices.Clone(m.handlers[info.Kind])
	m.mu.Unlock()
	for _, h := range handlers {
		h(info)
	}
}

func (m *Manager) channel(nsp string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[nsp]
}

// activeChannels returns the subscribed channels in namespace order.
func (m *Manager) activeChannels() []*Channel {
	m.mu.Lock()
	names := make([]string, 0, len(m.channels))
	for nsp := range m.channels {
		names = append(names, nsp)
	}
	slices.Sort(names)
	out := make([]*Channel, 0, len(names))
	for _, nsp := range names {
		out = append(out, m.channels[nsp])
	}
	m.mu.Unlock()

	return slices.DeleteFunc(out, func(ch *Channel) bool { return !ch.Active() })
}

func (m *Manager) open(fn func(error)) {
	if m.state() != kephasio.StateClosed {
		return
	}
	m.logger.Debug("opening connection", "attempt", m.backoff.Attempts())

	_, m.span = m.tracer.Start(context.Background(), "kephasio.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("kephasio.endpoint", m.endpoint.String()),
			attribute.Int("kephasio.attempt", m.backoff.Attempts()),
		),
	)

	eopts := m.opts.engineOptions(m.endpoint)
	eopts.Loop = m.loop
	eopts.Logger = m.logger
	eopts.PriorWebSocket = &m.prior

	var sess session
	sess = m.opts.newSession(eopts, func(ev engine.Event) {
		m.onEngineEvent(sess, ev)
	})
	m.sess = sess
	m.setState(kephasio.StateOpening)
	m.skipReconnect = false
	m.onOpened = fn

	sess.Open()

	if m.opts.Timeout > 0 {
		m.openTimer = m.loop.AfterFunc(m.opts.Timeout, func() {
			m.logger.Debug("connect attempt timed out", "timeout", m.opts.Timeout)
			m.onOpenError(errors.New(kephasio.ErrConnectTimeout))
			sess.Close()
		})
	}
}

func (m *Manager) onEngineEvent(sess session, ev engine.Event) {
	if sess != m.sess {
		return
	}

	switch m.state() {
	case kephasio.StateOpening:
		switch ev.Kind {
		case engine.EventOpen:
			m.onOpen()
		case engine.EventError:
			m.onOpenError(ev.Err)
		case engine.EventClose:
			m.onOpenError(fmt.Errorf("%s: %s", kephasio.ErrConnectionClosed, ev.Reason))
		}

	case kephasio.StateOpen:
		switch ev.Kind {
		case engine.EventMessage:
			m.onData(ev.Packet)
		case engine.EventPing:
			m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventPing})
		case engine.EventUpgrade:
			m.metrics.Upgrade(string(ev.Transport))
			m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventUpgrade, Transport: string(ev.Transport)})
		case engine.EventError:
			m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventError, Err: ev.Err})
			for _, ch := range m.activeChannels() {
				ch.onError(ev.Err)
			}
		case engine.EventClose:
			m.onClose(ev.Reason, ev.Err)
		}
	}
}

func (m *Manager) onOpen() {
	m.openTimer.Stop()
	m.openTimer = nil
	m.setState(kephasio.StateOpen)

	if m.span != nil {
		m.span.SetAttributes(
			attribute.String("kephasio.sid", m.sess.ID()),
			attribute.String("kephasio.transport", string(m.sess.TransportName())),
		)
	}
	m.endSpan(nil)
	m.logger.Info("connection open", "sid", m.sess.ID(), "transport", m.sess.TransportName())

	m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventOpen})
	for _, ch := range m.activeChannels() {
		ch.onOpen()
	}

	if fn := m.onOpened; fn != nil {
		m.onOpened = nil
		fn(nil)
	}
}

func (m *Manager) onOpenError(err error) {
	m.logger.Debug("connect attempt failed", "error", err)
	fn := m.onOpened
	m.cleanup()
	m.setState(kephasio.StateClosed)
	m.endSpan(err)

	m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventError, Err: err})
	for _, ch := range m.activeChannels() {
		ch.onError(err)
	}

	if fn != nil {
		fn(err)
	} else {
		m.maybeReconnectOnOpen()
	}
}

func (m *Manager) endSpan(err error) {
	if m.span == nil {
		return
	}
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
	m.span = nil
}

// cleanup detaches the current session and cancels pending timers.
func (m *Manager) cleanup() {
	m.openTimer.Stop()
	m.openTimer = nil
	m.reconnectTimer.Stop()
	m.reconnectTimer = nil
	m.sess = nil
	m.onOpened = nil
	m.decoder.Reset()
}

func (m *Manager) onData(p packet.Packet) {
	decoded, err := m.decoder.Add(p.Data, p.Binary)
	if err != nil {
		m.logger.Warn("dropping connection after undecodable packet", "error", err)
		sess := m.sess
		m.onClose(kephasio.ReasonParseError, err)
		if sess != nil {
			sess.Close()
		}
		return
	}
	if decoded != nil {
		m.onDecoded(decoded)
	}
}

func (m *Manager) onDecoded(p *parser.Packet) {
	m.metrics.PacketIn(p.Type.String())
	m.emit(kephasio.ManagerEventInfo{
		Kind:       kephasio.EventPacket,
		Namespace:  p.Namespace,
		PacketType: p.Type.String(),
	})
	if ch := m.channel(p.Namespace); ch != nil && ch.Active() {
		ch.onPacket(p)
	}
}

// packet encodes p and writes it to the session. Packets written while no
// session is open are dropped.
func (m *Manager) packet(p *parser.Packet, compress bool) error {
	msgs, err := m.encoder.Encode(p)
	if err != nil {
		return fmt.Errorf("%s: %w", kephasio.ErrFailedToEncode, err)
	}
	if m.sess == nil {
		return nil
	}
	m.metrics.PacketOut(p.Type.String())
	for i, msg := range msgs {
		m.sess.Send(packet.Packet{
			Type:     packet.Message,
			Data:     msg,
			Binary:   i > 0,
			Compress: compress,
		})
	}
	return nil
}

// writable reports whether the session can write without buffering.
func (m *Manager) writable() bool {
	return m.sess != nil && m.sess.Writable()
}

// destroyChannel closes the connection once no channel is active anymore.
func (m *Manager) destroyChannel(*Channel) {
	if len(m.activeChannels()) > 0 {
		return
	}
	m.close()

	m.mu.Lock()
	release := m.release
	m.mu.Unlock()
	if release != nil {
		release(m)
	}
}

func (m *Manager) close() {
	m.logger.Debug("closing connection")
	m.skipReconnect = true
	m.reconnecting.Store(false)

	sess := m.sess
	if sess == nil && m.state() == kephasio.StateClosed {
		m.cleanup()
		return
	}
	m.onClose(kephasio.ReasonForcedClose, nil)
	if sess != nil {
		sess.Close()
	}
}

func (m *Manager) onClose(reason string, err error) {
	m.logger.Info("connection closed", "reason", reason, "error", err)
	m.cleanup()
	m.endSpan(err)
	m.backoff.Reset()
	m.setState(kephasio.StateClosed)

	m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventClose, Reason: reason, Err: err})
	for _, ch := range m.activeChannels() {
		ch.onClose(reason)
	}

	if m.opts.Reconnection && !m.skipReconnect {
		m.reconnect()
	}
}

func (m *Manager) reconnect() {
	if m.reconnecting.Load() || m.skipReconnect {
		return
	}

	if limit := m.opts.ReconnectionAttempts; limit > 0 && m.backoff.Attempts() >= limit {
		m.logger.Error("reconnection failed", "attempts", m.backoff.Attempts())
		m.backoff.Reset()
		m.metrics.ReconnectFailed()
		m.reconnecting.Store(false)
		m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventReconnectFailed, Err: kephasio.ErrReconnectFailed})
		return
	}

	delay := m.backoff.Duration()
	m.reconnecting.Store(true)
	m.logger.Debug("scheduling reconnection", "delay", delay)

	m.reconnectTimer = m.loop.AfterFunc(delay, func() {
		m.reconnectTimer = nil
		if m.skipReconnect {
			return
		}

		attempt := m.backoff.Attempts()
		m.logger.Info("reconnecting", "attempt", attempt)
		m.metrics.ReconnectAttempt()
		m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventReconnectAttempt, Attempt: attempt})

		m.open(func(err error) {
			if err != nil {
				m.reconnecting.Store(false)
				m.reconnect()
				m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventReconnectError, Err: err})
				return
			}
			m.onReconnect()
		})
	})
}

func (m *Manager) onReconnect() {
	attempt := m.backoff.Attempts()
	m.reconnecting.Store(false)
	m.backoff.Reset()
	m.metrics.Reconnected()
	m.logger.Info("reconnected", "attempt", attempt)
	m.emit(kephasio.ManagerEventInfo{Kind: kephasio.EventReconnect, Attempt: attempt})
}

func (m *Manager) maybeReconnectOnOpen() {
	if !m.reconnecting.Load() && m.opts.Reconnection && m.backoff.Attempts() == 0 {
		m.reconnect()
	}
}
