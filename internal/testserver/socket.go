package testserver

import (
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/parser"
)

// Reasons reported to disconnect handlers on top of the engine close reasons.
const (
	reasonServerNamespaceDisconnect = "server namespace disconnect"
	reasonClientNamespaceDisconnect = "client namespace disconnect"
)

var errConnectionClosed = errors.New(kephasio.ErrConnectionClosed)

// EventHandler handles an event. When the client asked for an
// acknowledgement the returned values are sent back as its arguments.
type EventHandler = func(s *Socket, args []any) []any

// AnyHandler sees every incoming event of a namespace before its handler.
type AnyHandler = func(s *Socket, event string, args []any)

// ConnectFn is called once a socket joined a namespace.
type ConnectFn = func(s *Socket)

// DisconnectFn is called once a socket left a namespace.
type DisconnectFn = func(s *Socket, reason string)

// Namespace groups the sockets and handlers of one namespace.
type Namespace struct {
	name string

	mu           sync.RWMutex
	handlers     map[string]EventHandler
	anyHandlers  []AnyHandler
	onConnect    []ConnectFn
	onDisconnect []DisconnectFn
	sockets      map[string]*Socket
	order        []string
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		name:     name,
		handlers: make(map[string]EventHandler),
		sockets:  make(map[string]*Socket),
	}
}

// Name returns the namespace path.
func (n *Namespace) Name() string { return n.name }

// On registers the handler for event, replacing any previous one.
func (n *Namespace) On(event string, handler EventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[event] = handler
}

func (n *Namespace) OnAny(handler AnyHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anyHandlers = append(n.anyHandlers, handler)
}

func (n *Namespace) OnConnect(fn ConnectFn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnect = append(n.onConnect, fn)
}

func (n *Namespace) OnDisconnect(fn DisconnectFn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisconnect = append(n.onDisconnect, fn)
}

// Sockets returns the connected sockets in connection order.
func (n *Namespace) Sockets() []*Socket {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Socket, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.sockets[id])
	}
	return out
}

// Emit broadcasts an event to every connected socket.
func (n *Namespace) Emit(event string, args ...any) {
	for _, s := range n.Sockets() {
		s.Emit(event, args...)
	}
}

func (n *Namespace) add(s *Socket) {
	n.mu.Lock()
	n.sockets[s.id] = s
	n.order = append(n.order, s.id)
	fns := append([]ConnectFn(nil), n.onConnect...)
	n.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// remove reports whether s was connected.
func (n *Namespace) remove(s *Socket) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[s.id]; !ok {
		return false
	}
	delete(n.sockets, s.id)
	for i, id := range n.order {
		if id == s.id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return true
}

// Socket is a client's membership of a namespace.
type Socket struct {
	id     string
	nsp    *Namespace
	client *Client
	auth   map[string]any

	mu   sync.Mutex
	ids  uint64
	acks map[uint64]func([]any)

	closeOnce sync.Once
}

func newSocket(nsp *Namespace, client *Client, auth map[string]any) *Socket {
	return &Socket{
		id:     uuid.New().String(),
		nsp:    nsp,
		client: client,
		auth:   auth,
		acks:   make(map[uint64]func([]any)),
	}
}

func (s *Socket) ID() string           { return s.id }
func (s *Socket) Namespace() string    { return s.nsp.name }
func (s *Socket) Client() *Client      { return s.client }
func (s *Socket) Auth() map[string]any { return s.auth }

// Emit sends an event. A trailing func([]any) argument is called with the
// client's acknowledgement.
func (s *Socket) Emit(event string, args ...any) error {
	p := &parser.Packet{Type: parser.Event, Namespace: s.nsp.name}
	if n := len(args); n > 0 {
		if fn, ok := args[n-1].(func([]any)); ok {
			args = args[:n-1]
			s.mu.Lock()
			id := s.ids
			s.ids++
			s.acks[id] = fn
			s.mu.Unlock()
			p.ID = &id
		}
	}
	p.Data = append([]any{event}, args...)
	return s.client.sendPacket(p)
}

// Disconnect removes the socket from its namespace and tells the client.
func (s *Socket) Disconnect() error {
	err := s.client.sendPacket(&parser.Packet{Type: parser.Disconnect, Namespace: s.nsp.name})
	s.onClose(reasonServerNamespaceDisconnect)
	return err
}

func (s *Socket) onEvent(p *parser.Packet) {
	data, _ := p.Data.([]any)
	if len(data) == 0 {
		return
	}
	var event string
	switch name := data[0].(type) {
	case string:
		event = name
	case float64:
		event = strconv.FormatFloat(name, 'f', -1, 64)
	default:
		return
	}
	args := data[1:]

	s.nsp.mu.RLock()
	anyHandlers := append([]AnyHandler(nil), s.nsp.anyHandlers...)
	handler := s.nsp.handlers[event]
	s.nsp.mu.RUnlock()

	for _, fn := range anyHandlers {
		fn(s, event, args)
	}
	if handler == nil {
		return
	}
	reply := handler(s, args)
	if p.ID == nil {
		return
	}
	if reply == nil {
		reply = []any{}
	}
	s.client.sendPacket(&parser.Packet{Type: parser.Ack, Namespace: s.nsp.name, ID: p.ID, Data: reply})
}

func (s *Socket) onAck(p *parser.Packet) {
	if p.ID == nil {
		return
	}
	s.mu.Lock()
	fn, ok := s.acks[*p.ID]
	delete(s.acks, *p.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	args, _ := p.Data.([]any)
	fn(args)
}

func (s *Socket) onClose(reason string) {
	s.closeOnce.Do(func() {
		s.client.removeSocket(s)
		if !s.nsp.remove(s) {
			return
		}
		s.nsp.mu.RLock()
		fns := append([]DisconnectFn(nil), s.nsp.onDisconnect...)
		s.nsp.mu.RUnlock()
		for _, fn := range fns {
			fn(s, reason)
		}
	})
}
