package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/parser"
)

// ConnectError is reported when the server refuses a namespace connection.
type ConnectError struct {
	Message string
	// Data is the optional detail sent by the server.
	Data any
}

func (e *ConnectError) Error() string {
	return e.Message
}

func newConnectError(data any) *ConnectError {
	switch d := data.(type) {
	case string:
		return &ConnectError{Message: d}
	case map[string]any:
		msg, _ := d["message"].(string)
		return &ConnectError{Message: msg, Data: d["data"]}
	}
	return &ConnectError{}
}

type pendingAck struct {
	fn    kephasio.AckFunc
	timer *loop.Timer
}

// outgoing is an event waiting for the namespace connection.
type outgoing struct {
	packet   *parser.Packet
	compress bool
}

// Channel is one namespace multiplexed over a Manager.
type Channel struct {
	m      *Manager
	nsp    string
	opts   ChannelOptions
	logger *slog.Logger

	mu           sync.Mutex
	id           string
	connected    bool
	recovered    bool
	active       bool
	handlers     map[string][]kephasio.Handler
	anyIn        []kephasio.AnyHandler
	anyOut       []kephasio.AnyHandler
	onConnect    []func()
	onDisconnect []func(string)
	onConnectErr []func(error)

	// owned by the loop
	ids           uint64
	acks          map[uint64]*pendingAck
	sendBuffer    []outgoing
	receiveBuffer [][]any
	queue         []*queuedEmit
	queueSeq      uint64
	pid           string
	lastOffset    string
}

var _ kephasio.Socket = (*Channel)(nil)

func newChannel(m *Manager, nsp string, opts ChannelOptions) *Channel {
	return &Channel{
		m:        m,
		nsp:      nsp,
		opts:     opts,
		logger:   m.logger.With("namespace", nsp),
		handlers: make(map[string][]kephasio.Handler),
		acks:     make(map[uint64]*pendingAck),
	}
}

// ID returns the session id the server assigned to this namespace, or an
// empty string while disconnected.
func (c *Channel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Namespace returns the namespace the channel is bound to.
func (c *Channel) Namespace() string { return c.nsp }

// Connected reports whether the server acknowledged the namespace connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Recovered reports whether the last connection restored the previous session.
func (c *Channel) Recovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovered
}

// Active reports whether the channel follows its manager across reconnections.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Manager returns the manager the channel is multiplexed on.
func (c *Channel) Manager() kephasio.Manager { return c.m }

// Connect opens the manager if needed and joins the namespace.
func (c *Channel) Connect() error {
	if !c.m.loop.Post(c.connect) {
		return kephasio.ErrManagerClosed
	}
	return nil
}

// Disconnect leaves the namespace. The manager closes once no channel is active.
func (c *Channel) Disconnect() error {
	if !c.m.loop.Post(c.disconnect) {
		return kephasio.ErrManagerClosed
	}
	return nil
}

// Emit sends an event, buffering it while disconnected. A trailing
// kephasio.AckFunc argument receives the acknowledgement.
func (c *Channel) Emit(event string, args ...any) error {
	return emitter{c: c}.Emit(event, args...)
}

// EmitWithAck sends an event and waits for its acknowledgement.
func (c *Channel) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	return emitter{c: c}.EmitWithAck(ctx, event, args...)
}

// Timeout returns an emitter whose acknowledgements expire after d.
func (c *Channel) Timeout(d time.Duration) kephasio.Emitter {
	return emitter{c: c}.Timeout(d)
}

// Volatile returns an emitter that drops events it cannot send right away.
func (c *Channel) Volatile() kephasio.Emitter {
	return emitter{c: c}.Volatile()
}

// Compress returns an emitter with the given compression hint.
func (c *Channel) Compress(compress bool) kephasio.Emitter {
	return emitter{c: c}.Compress(compress)
}

// On registers a handler for event.
func (c *Channel) On(event string, handler kephasio.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Off removes every handler for event.
func (c *Channel) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// OnAny registers a handler called with every incoming event, after the
// ones already registered.
func (c *Channel) OnAny(handler kephasio.AnyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyIn = append(c.anyIn, handler)
}

// PrependAny registers a handler called with every incoming event, before
// the ones already registered.
func (c *Channel) PrependAny(handler kephasio.AnyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyIn = slices.Insert(c.anyIn, 0, handler)
}

// OffAny removes every incoming any-handler.
func (c *Channel) OffAny() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyIn = nil
}

// OnAnyOutgoing registers a handler called with every event sent, after
// the ones already registered.
func (c *Channel) OnAnyOutgoing(handler kephasio.AnyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyOut = append(c.anyOut, handler)
}

// PrependAnyOutgoing registers a handler called with every event sent,
// before the ones already registered.
func (c *Channel) PrependAnyOutgoing(handler kephasio.AnyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyOut = slices.Insert(c.anyOut, 0, handler)
}

// OffAnyOutgoing removes every outgoing any-handler.
func (c *Channel) OffAnyOutgoing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyOut = nil
}

// OnConnect registers a handler for the namespace connect acknowledgement.
func (c *Channel) OnConnect(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, handler)
}

// OnDisconnect registers a handler called with the disconnect reason.
func (c *Channel) OnDisconnect(handler func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, handler)
}

// OnConnectError registers a handler for failed connection attempts and
// connect_error packets.
func (c *Channel) OnConnectError(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectErr = append(c.onConnectErr, handler)
}

// post validates an emit and hands it to the loop.
func (c *Channel) post(fl emitFlags, event string, args []any) error {
	if kephasio.IsReserved(event) {
		return fmt.Errorf("%w: %q", kephasio.ErrReservedEvent, event)
	}

	var ack kephasio.AckFunc
	if n := len(args); n > 0 {
		switch fn := args[n-1].(type) {
		case kephasio.AckFunc:
			ack, args = fn, args[:n-1]
		case func([]any, error):
			ack, args = fn, args[:n-1]
		}
	}
	args = slices.Clone(args)

	if !c.m.loop.Post(func() { c.emit(event, args, ack, fl) }) {
		return kephasio.ErrManagerClosed
	}
	return nil
}

func (c *Channel) postWithAck(ctx context.Context, fl emitFlags, event string, args []any) ([]any, error) {
	type result struct {
		args []any
		err  error
	}
	done := make(chan result, 1)
	ack := kephasio.AckFunc(func(args []any, err error) {
		done <- result{args, err}
	})

	if err := c.post(fl, event, append(slices.Clone(args), ack)); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.args, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.m.loop.Done():
		return nil, kephasio.ErrManagerClosed
	}
}

func (c *Channel) emit(event string, args []any, ack kephasio.AckFunc, fl emitFlags) {
	if c.opts.Retries > 0 && !fl.fromQueue && !fl.volatile {
		c.addToQueue(event, args, ack, fl)
		return
	}

	p := &parser.Packet{
		Type:      parser.Event,
		Namespace: c.nsp,
		Data:      append([]any{event}, args...),
	}
	if ack != nil {
		id := c.ids
		c.ids++
		p.ID = &id
		c.registerAck(id, ack, fl)
	}

	connected := c.Connected()
	switch {
	case fl.volatile && (!connected || !c.m.writable()):
		c.logger.Debug("discarding volatile packet", "event", event)
	case connected:
		c.notifyOutgoing(p)
		c.send(p, !fl.noCompress)
	default:
		c.sendBuffer = append(c.sendBuffer, outgoing{packet: p, compress: !fl.noCompress})
	}
}

// send writes p and fails its ack if it cannot be encoded.
func (c *Channel) send(p *parser.Packet, compress bool) {
	err := c.m.packet(p, compress)
	if err == nil {
		return
	}
	c.logger.Warn("cannot send packet", "type", p.Type, "error", err)
	if p.ID != nil && p.Type == parser.Event {
		c.resolveAck(*p.ID, nil, err)
	}
}

func (c *Channel) registerAck(id uint64, ack kephasio.AckFunc, fl emitFlags) {
	timeout := c.opts.AckTimeout
	if fl.hasTimeout {
		timeout = fl.timeout
	}

	pa := &pendingAck{fn: ack}
	c.acks[id] = pa
	if timeout <= 0 {
		return
	}
	pa.timer = c.m.loop.AfterFunc(timeout, func() {
		if c.acks[id] != pa {
			return
		}
		delete(c.acks, id)
		c.sendBuffer = slices.DeleteFunc(c.sendBuffer, func(o outgoing) bool {
			return o.packet.ID != nil && *o.packet.ID == id
		})
		c.m.metrics.AckTimeout()
		c.logger.Warn("acknowledgement timed out", "id", id, "timeout", timeout)
		ack(nil, kephasio.ErrAckTimeout)
	})
}

func (c *Channel) resolveAck(id uint64, args []any, err error) {
	pa, ok := c.acks[id]
	if !ok {
		return
	}
	delete(c.acks, id)
	pa.timer.Stop()
	pa.fn(args, err)
}

// clearAcks fails every pending ack whose packet already left.
func (c *Channel) clearAcks() {
	for _, id := range slices.Sorted(maps.Keys(c.acks)) {
		buffered := slices.ContainsFunc(c.sendBuffer, func(o outgoing) bool {
			return o.packet.ID != nil && *o.packet.ID == id
		})
		if !buffered {
			c.resolveAck(id, nil, kephasio.ErrDisconnected)
		}
	}
}

func (c *Channel) connect() {
	if c.Connected() {
		return
	}
	c.mu.Lock()
	subscribed := !c.active
	c.active = true
	c.mu.Unlock()

	if !c.m.reconnecting.Load() {
		c.m.open(nil)
	}
	if subscribed && c.m.state() == kephasio.StateOpen {
		c.onOpen()
	}
}

func (c *Channel) disconnect() {
	connected := c.Connected()
	if connected {
		c.logger.Debug("sending disconnect packet")
		c.send(&parser.Packet{Type: parser.Disconnect, Namespace: c.nsp}, true)
	}
	c.destroy()
	if connected {
		c.onClose(kephasio.ReasonClientDisconnect)
	}
}

// destroy unsubscribes from the manager, which closes once no channel is left.
func (c *Channel) destroy() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	c.m.destroyChannel(c)
}

// onOpen sends the namespace connect packet.
func (c *Channel) onOpen() {
	auth := c.opts.Auth
	if c.opts.AuthFunc != nil {
		auth = c.opts.AuthFunc()
	}

	var data any
	if c.pid != "" {
		payload := map[string]any{"pid": c.pid}
		if c.lastOffset != "" {
			payload["offset"] = c.lastOffset
		}
		maps.Copy(payload, auth)
		data = payload
	} else if auth != nil {
		data = auth
	}
	c.send(&parser.Packet{Type: parser.Connect, Namespace: c.nsp, Data: data}, true)
}

func (c *Channel) onError(err error) {
	if c.Connected() {
		return
	}
	c.emitConnectError(err)
}

func (c *Channel) onPacket(p *parser.Packet) {
	switch p.Type {
	case parser.Connect:
		data, _ := p.Data.(map[string]any)
		sid, _ := data["sid"].(string)
		if sid == "" {
			c.emitConnectError(errors.New(kephasio.ErrLegacyServer))
			return
		}
		pid, _ := data["pid"].(string)
		c.onConnected(sid, pid)

	case parser.Event:
		c.onEvent(p)

	case parser.Ack:
		if p.ID == nil {
			return
		}
		args, _ := p.Data.([]any)
		if _, ok := c.acks[*p.ID]; !ok {
			c.logger.Debug("ignoring unknown acknowledgement", "id", *p.ID)
			return
		}
		c.resolveAck(*p.ID, args, nil)

	case parser.Disconnect:
		c.logger.Info("server disconnected namespace")
		c.destroy()
		c.onClose(kephasio.ReasonServerDisconnect)

	case parser.ConnectError:
		c.destroy()
		c.emitConnectError(newConnectError(p.Data))
	}
}

func (c *Channel) onEvent(p *parser.Packet) {
	args := slices.Clone(p.Data.([]any))
	if p.ID != nil {
		args = append(args, c.responder(*p.ID))
	}
	if c.Connected() {
		c.emitEvent(args)
		return
	}
	c.receiveBuffer = append(c.receiveBuffer, args)
}

// responder returns a Responder that sends the ack for id once.
func (c *Channel) responder(id uint64) kephasio.Responder {
	var sent atomic.Bool
	return func(args ...any) {
		if sent.Swap(true) {
			return
		}
		args = slices.Clone(args)
		if args == nil {
			args = []any{}
		}
		c.m.loop.Post(func() {
			c.send(&parser.Packet{Type: parser.Ack, Namespace: c.nsp, ID: &id, Data: args}, true)
		})
	}
}

func (c *Channel) emitEvent(args []any) {
	event := eventName(args[0])
	rest := args[1:]

	c.mu.Lock()
	anyIn := slices.Clone(c.anyIn)
	handlers := slices.Clone(c.handlers[event])
	c.mu.Unlock()

	for _, h := range anyIn {
		h(event, rest...)
	}
	for _, h := range handlers {
		h(rest...)
	}

	if c.pid != "" && len(args) > 0 {
		if offset, ok := args[len(args)-1].(string); ok {
			c.lastOffset = offset
		}
	}
}

func (c *Channel) notifyOutgoing(p *parser.Packet) {
	c.mu.Lock()
	anyOut := slices.Clone(c.anyOut)
	c.mu.Unlock()
	if len(anyOut) == 0 {
		return
	}

	args := p.Data.([]any)
	event := eventName(args[0])
	for _, h := range anyOut {
		h(event, args[1:]...)
	}
}

func (c *Channel) onConnected(sid, pid string) {
	c.mu.Lock()
	c.id = sid
	c.recovered = pid != "" && pid == c.pid
	c.connected = true
	recovered := c.recovered
	handlers := slices.Clone(c.onConnect)
	c.mu.Unlock()

	c.pid = pid
	c.m.metrics.ChannelConnected(c.nsp)
	c.logger.Info("namespace connected", "sid", sid, "recovered", recovered)

	c.emitBuffered()
	for _, h := range handlers {
		h()
	}
	c.drainQueue(true)
}

// emitBuffered delivers what was received, then sends what was emitted,
// while the namespace was not connected.
func (c *Channel) emitBuffered() {
	received := c.receiveBuffer
	c.receiveBuffer = nil
	for _, args := range received {
		c.emitEvent(args)
	}

	buffered := c.sendBuffer
	c.sendBuffer = nil
	for _, o := range buffered {
		c.notifyOutgoing(o.packet)
		c.send(o.packet, o.compress)
	}
}

func (c *Channel) onClose(reason string) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.id = ""
	handlers := slices.Clone(c.onDisconnect)
	c.mu.Unlock()

	if wasConnected {
		c.m.metrics.ChannelDisconnected(c.nsp)
	}
	c.logger.Info("namespace disconnected", "reason", reason)
	for _, h := range handlers {
		h(reason)
	}
	c.clearAcks()
}

func (c *Channel) emitConnectError(err error) {
	c.mu.Lock()
	handlers := slices.Clone(c.onConnectErr)
	c.mu.Unlock()

	c.logger.Debug("connect error", "error", err)
	for _, h := range handlers {
		h(err)
	}
}

// eventName renders the event name of an incoming event; the wire allows
// numeric names.
func eventName(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
