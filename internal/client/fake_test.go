package client

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/engine"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/transport"
)

const waitFor = 2 * time.Second

// fakeSession stands in for an engine session; tests play the server by
// calling its handler.
type fakeSession struct {
	opts     engine.Options
	handler  engine.Handler
	id       string
	opened   bool
	closed   bool
	writable bool
	sent     []packet.Packet
}

func (f *fakeSession) Open()                         { f.opened = true }
func (f *fakeSession) Close()                        { f.closed = true }
func (f *fakeSession) Send(p packet.Packet)          { f.sent = append(f.sent, p) }
func (f *fakeSession) ID() string                    { return f.id }
func (f *fakeSession) Writable() bool                { return f.writable }
func (f *fakeSession) TransportName() transport.Name { return transport.Polling }

type harness struct {
	t        *testing.T
	m        *Manager
	sessions []*fakeSession
	events   []kephasio.ManagerEventInfo
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	opts := DefaultOptions()
	opts.ReconnectionDelay = 10 * time.Millisecond
	opts.ReconnectionDelayMax = 40 * time.Millisecond
	opts.RandomizationFactor = 0
	if mutate != nil {
		mutate(&opts)
	}

	h := &harness{t: t}
	opts.newSession = func(eo engine.Options, handler engine.Handler) session {
		f := &fakeSession{opts: eo, handler: handler, writable: true}
		h.sessions = append(h.sessions, f)
		return f
	}

	endpoint, err := url.Parse("http://example.test/socket.io/")
	require.NoError(t, err)
	h.m = newManager(endpoint, opts)
	for kind := kephasio.EventOpen; kind <= kephasio.EventReconnect; kind++ {
		h.m.On(kind, func(info kephasio.ManagerEventInfo) {
			h.events = append(h.events, info)
		})
	}
	t.Cleanup(h.m.Stop)
	return h
}

// do runs fn on the manager's loop after everything posted before it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.True(h.t, h.m.loop.Call(fn), "loop closed")
}

func (h *harness) sessionCount() int {
	var n int
	h.do(func() { n = len(h.sessions) })
	return n
}

// session waits for the i-th session to be created.
func (h *harness) session(i int) *fakeSession {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.sessionCount() > i }, waitFor, time.Millisecond)
	var f *fakeSession
	h.do(func() { f = h.sessions[i] })
	return f
}

// open completes the handshake of the i-th session.
func (h *harness) open(i int) {
	h.t.Helper()
	f := h.session(i)
	h.do(func() {
		f.id = "engine-sid"
		f.handler(engine.Event{Kind: engine.EventOpen})
	})
}

func (h *harness) receive(i int, text string) {
	h.t.Helper()
	f := h.session(i)
	h.do(func() {
		f.handler(engine.Event{Kind: engine.EventMessage, Packet: packet.Packet{Type: packet.Message, Data: []byte(text)}})
	})
}

func (h *harness) receiveBinary(i int, data []byte) {
	h.t.Helper()
	f := h.session(i)
	h.do(func() {
		f.handler(engine.Event{Kind: engine.EventMessage, Packet: packet.Packet{Type: packet.Message, Data: data, Binary: true}})
	})
}

// fail reports a session error followed by its close, as the engine does.
func (h *harness) fail(i int, err error) {
	h.t.Helper()
	f := h.session(i)
	h.do(func() {
		f.handler(engine.Event{Kind: engine.EventError, Err: err})
		f.handler(engine.Event{Kind: engine.EventClose, Reason: kephasio.ReasonTransportError, Err: err})
	})
}

func (h *harness) drop(i int, reason string) {
	h.t.Helper()
	f := h.session(i)
	h.do(func() {
		f.handler(engine.Event{Kind: engine.EventClose, Reason: reason})
	})
}

// sent returns the text messages written to the i-th session.
func (h *harness) sent(i int) []string {
	h.t.Helper()
	f := h.session(i)
	var out []string
	h.do(func() {
		for _, p := range f.sent {
			if !p.Binary {
				out = append(out, string(p.Data))
			}
		}
	})
	return out
}

func (h *harness) packets(i int) []packet.Packet {
	h.t.Helper()
	f := h.session(i)
	var out []packet.Packet
	h.do(func() { out = append(out, f.sent...) })
	return out
}

func (h *harness) kinds() []kephasio.ManagerEvent {
	var out []kephasio.ManagerEvent
	h.do(func() {
		for _, ev := range h.events {
			if ev.Kind != kephasio.EventPacket {
				out = append(out, ev.Kind)
			}
		}
	})
	return out
}

func (h *harness) find(kind kephasio.ManagerEvent) (kephasio.ManagerEventInfo, bool) {
	var (
		info  kephasio.ManagerEventInfo
		found bool
	)
	h.do(func() {
		for _, ev := range h.events {
			if ev.Kind == kind {
				info, found = ev, true
				return
			}
		}
	})
	return info, found
}

func (h *harness) waitEvent(kind kephasio.ManagerEvent) kephasio.ManagerEventInfo {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		_, ok := h.find(kind)
		return ok
	}, waitFor, time.Millisecond, "no %s event", kind)
	info, _ := h.find(kind)
	return info
}

// connect creates a channel for nsp and completes both handshakes.
func (h *harness) connect(nsp string, opts ChannelOptions) *Channel {
	h.t.Helper()
	ch := h.m.Socket(nsp, opts)
	h.open(0)
	prefix := ""
	if nsp != "/" {
		prefix = nsp + ","
	}
	h.receive(0, "0"+prefix+`{"sid":"ch-sid"}`)
	require.True(h.t, ch.Connected())
	return ch
}
