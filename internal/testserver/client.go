package testserver

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/parser"
)

const (
	transportPolling   = "polling"
	transportWebSocket = "websocket"

	writeWait = 10 * time.Second
	// closeGrace bounds how long a graceful close waits for the close
	// packet to be picked up.
	closeGrace = 2 * time.Second
)

// Client is one engine session, first on long-polling and possibly upgraded
// to WebSocket.
type Client struct {
	id         string
	srv        *Server
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	b64        bool

	rateLimiter *rate.Limiter
	notify      chan struct{}
	pong        chan struct{}

	mu        sync.Mutex
	transport string
	conn      *websocket.Conn
	queue     []packet.Packet
	polling   bool
	closed    bool
	sockets   map[string]*Socket

	// inMu serializes inbound session packets: binary attachments must
	// reach the decoder in order.
	inMu    sync.Mutex
	decoder parser.Decoder

	closeOnce sync.Once
}

func (s *Server) newClient(r *http.Request, transport string) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rl := s.cfg.RateLimitConfig; rl != nil && rl.Enabled {
		limiter = rate.NewLimiter(rl.PacketsPerSecond, rl.Burst)
	}

	c := &Client{
		id:          uuid.New().String(),
		srv:         s,
		remoteAddr:  r.RemoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		b64:         r.URL.Query().Get("b64") != "",
		rateLimiter: limiter,
		notify:      make(chan struct{}, 1),
		pong:        make(chan struct{}, 1),
		transport:   transport,
		sockets:     make(map[string]*Socket),
	}
	s.clients.Store(c.id, c)
	s.logger.Info("client connected", "client_id", c.id, "transport", transport, "remote_addr", c.remoteAddr)

	go c.heartbeat()
	return c
}

// ID returns the engine session id.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address.
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled once the session ends.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Transport returns the name of the transport the session is on.
func (c *Client) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// IsAlive reports whether the session is still open.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// CheckRateLimit reports whether one more inbound packet is allowed.
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// Close ends the session gracefully: the client receives a close packet.
func (c *Client) Close() {
	if !c.send(packet.Packet{Type: packet.Close}) {
		return
	}
	time.AfterFunc(closeGrace, func() { c.terminate(kephasio.ReasonForcedClose) })
}

// Drop ends the session without telling the client, as a lost connection
// would.
func (c *Client) Drop() {
	c.terminate(kephasio.ReasonTransportClose)
}

func (c *Client) handshake() packet.Packet {
	var upgrades []string
	if c.Transport() == transportPolling {
		upgrades = c.srv.cfg.Upgrades
	}
	return packet.Packet{Type: packet.Open, Data: c.srv.handshakeData(c.id, upgrades)}
}

// send queues packets for the active transport.
func (c *Client) send(packets ...packet.Packet) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, packets...)
	c.mu.Unlock()

	c.wake()
	return true
}

// take empties the queue if transport is the active one.
func (c *Client) take(transport string) ([]packet.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != transport {
		return nil, false
	}
	out := c.queue
	c.queue = nil
	return out, true
}

// sendPacket encodes a session packet into engine messages.
func (c *Client) sendPacket(p *parser.Packet) error {
	var enc parser.Encoder
	messages, err := enc.Encode(p)
	if err != nil {
		return err
	}
	packets := make([]packet.Packet, len(messages))
	for i, m := range messages {
		packets[i] = packet.Packet{Type: packet.Message, Data: m, Binary: i > 0}
	}
	if !c.send(packets...) {
		return errConnectionClosed
	}
	return nil
}

func (c *Client) servePoll(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.transport != transportPolling || c.polling {
		c.mu.Unlock()
		http.Error(w, kephasio.ErrBadRequest, http.StatusBadRequest)
		return
	}
	c.polling = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.polling = false
		c.mu.Unlock()
	}()

	for {
		packets, active := c.take(transportPolling)
		if !active {
			// upgraded meanwhile; hand the wakeup over to the write pump
			c.wake()
			c.srv.writePayload(w, []packet.Packet{{Type: packet.Noop}})
			return
		}
		if len(packets) > 0 {
			c.srv.writePayload(w, packets)
			if containsClose(packets) {
				c.terminate(kephasio.ReasonForcedClose)
			}
			return
		}
		select {
		case <-c.notify:
		case <-r.Context().Done():
			return
		case <-c.ctx.Done():
			http.Error(w, kephasio.ErrConnectionClosed, http.StatusBadRequest)
			return
		}
	}
}

// probe runs the upgrade handshake on a fresh WebSocket connection of a
// polling session, then keeps reading from it.
func (c *Client) probe(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		p := packet.Decode(data, mt == websocket.BinaryMessage)
		switch {
		case p.Type == packet.Ping && string(p.Data) == "probe":
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("3probe")); err != nil {
				conn.Close()
				return
			}
			// release the pending poll so the client can pause polling
			c.send(packet.Packet{Type: packet.Noop})
		case p.Type == packet.Upgrade:
			if !c.attach(conn) {
				conn.Close()
				return
			}
			c.srv.logger.Info("client upgraded", "client_id", c.id, "transport", transportWebSocket)
			c.readPump(conn)
			return
		default:
			conn.Close()
			return
		}
	}
}

// attach makes conn the active transport and starts its write pump.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.transport = transportWebSocket
	c.conn = conn
	c.mu.Unlock()

	go c.writePump(conn)
	c.wake()
	return true
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("unexpected websocket close", "client_id", c.id, "error", err)
			}
			c.terminate(kephasio.ReasonTransportClose)
			return
		}
		if !c.onPacket(packet.Decode(data, mt == websocket.BinaryMessage)) {
			return
		}
	}
}

// writePump pumps queued packets to the websocket connection.
func (c *Client) writePump(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-c.notify:
			packets, _ := c.take(transportWebSocket)
			for _, p := range packets {
				data, binary := packet.Encode(p, !c.b64)
				messageType := websocket.TextMessage
				if binary {
					messageType = websocket.BinaryMessage
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(messageType, data); err != nil {
					c.terminate(kephasio.ReasonTransportError)
					return
				}
				if p.Type == packet.Close {
					c.terminate(kephasio.ReasonForcedClose)
					return
				}
			}
		case <-c.ctx.Done():
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			return
		}
	}
}

// heartbeat pings the client and ends the session when a pong is late.
func (c *Client) heartbeat() {
	cfg := c.srv.cfg
	timer := time.NewTimer(cfg.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		// drop a pong that arrived unprompted
		select {
		case <-c.pong:
		default:
		}
		if !c.send(packet.Packet{Type: packet.Ping}) {
			return
		}

		timer.Reset(cfg.PingTimeout)
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.srv.logger.Warn("ping timeout", "client_id", c.id)
			c.terminate(kephasio.ReasonPingTimeout)
			return
		case <-c.pong:
		}
		timer.Reset(cfg.PingInterval)
	}
}

// onPacket handles one inbound engine packet. It returns false once the
// session ended.
func (c *Client) onPacket(p packet.Packet) bool {
	if !c.IsAlive() {
		return false
	}
	if !c.CheckRateLimit() {
		c.srv.logger.Warn("rate limit exceeded", "client_id", c.id, "remote_addr", c.remoteAddr)
		c.closeConn(websocket.ClosePolicyViolation, kephasio.ErrRateLimitExceeded)
		c.terminate(kephasio.ErrRateLimitExceeded)
		return false
	}

	switch p.Type {
	case packet.Pong:
		select {
		case c.pong <- struct{}{}:
		default:
		}
	case packet.Close:
		c.terminate(kephasio.ReasonTransportClose)
		return false
	case packet.Message:
		return c.onMessage(p.Data, p.Binary)
	case packet.Error:
		c.terminate(kephasio.ReasonParseError)
		return false
	}
	return true
}

func (c *Client) onMessage(data []byte, binary bool) bool {
	c.inMu.Lock()
	p, err := c.decoder.Add(data, binary)
	c.inMu.Unlock()
	if err != nil {
		c.srv.logger.Warn("invalid session packet", "client_id", c.id, "error", err)
		c.closeConn(websocket.CloseProtocolError, kephasio.ErrInvalidMessageFormat)
		c.terminate(kephasio.ReasonParseError)
		return false
	}
	if p != nil {
		c.dispatch(p)
	}
	return true
}

func (c *Client) dispatch(p *parser.Packet) {
	switch p.Type {
	case parser.Connect:
		c.connect(p)
		return
	}

	c.mu.Lock()
	sock := c.sockets[p.Namespace]
	c.mu.Unlock()
	if sock == nil {
		return
	}

	switch p.Type {
	case parser.Disconnect:
		sock.onClose(reasonClientNamespaceDisconnect)
	case parser.Event:
		sock.onEvent(p)
	case parser.Ack:
		sock.onAck(p)
	}
}

func (c *Client) connect(p *parser.Packet) {
	nsp, ok := c.srv.namespace(p.Namespace)
	if !ok {
		c.sendPacket(&parser.Packet{
			Type:      parser.ConnectError,
			Namespace: p.Namespace,
			Data:      map[string]any{"message": kephasio.ErrInvalidNamespace},
		})
		return
	}

	auth, _ := p.Data.(map[string]any)
	if authorize := c.srv.cfg.Authorize; authorize != nil {
		if err := authorize(nsp.name, auth); err != nil {
			c.sendPacket(&parser.Packet{
				Type:      parser.ConnectError,
				Namespace: p.Namespace,
				Data:      map[string]any{"message": err.Error()},
			})
			return
		}
	}

	sock := newSocket(nsp, c, auth)
	c.mu.Lock()
	prev := c.sockets[nsp.name]
	c.sockets[nsp.name] = sock
	c.mu.Unlock()
	if prev != nil {
		prev.onClose(reasonClientNamespaceDisconnect)
	}

	if err := c.sendPacket(&parser.Packet{
		Type:      parser.Connect,
		Namespace: nsp.name,
		Data:      map[string]any{"sid": sock.id},
	}); err != nil {
		return
	}
	nsp.add(sock)
}

// closeConn sends a close frame on an upgraded connection.
func (c *Client) closeConn(code int, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	message := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}

func (c *Client) removeSocket(sock *Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sockets[sock.nsp.name] == sock {
		delete(c.sockets, sock.nsp.name)
	}
}

// terminate ends the session and disconnects its sockets.
func (c *Client) terminate(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		sockets := make([]*Socket, 0, len(c.sockets))
		for _, sock := range c.sockets {
			sockets = append(sockets, sock)
		}
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			conn.Close()
		}
		c.srv.clients.Delete(c.id)
		c.srv.logger.Info("client disconnected", "client_id", c.id, "reason", reason)

		slices.SortFunc(sockets, func(a, b *Socket) int {
			return strings.Compare(a.nsp.name, b.nsp.name)
		})
		for _, sock := range sockets {
			sock.onClose(reason)
		}
	})
}

func containsClose(packets []packet.Packet) bool {
	return slices.ContainsFunc(packets, func(p packet.Packet) bool { return p.Type == packet.Close })
}

// wake signals the notify channel without blocking.
func (c *Client) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
