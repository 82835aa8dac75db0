package engine

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/transport"
)

// fakeTransport is driven by the test from the loop.
type fakeTransport struct {
	name     transport.Name
	opts     transport.Options
	state    transport.State
	writable bool
	listener transport.Listener

	opened    bool
	closed    bool
	discarded bool
	sent      [][]packet.Packet

	holdPause bool
	pauseFn   func()
}

func (f *fakeTransport) Name() transport.Name             { return f.name }
func (f *fakeTransport) State() transport.State           { return f.state }
func (f *fakeTransport) Writable() bool                   { return f.writable }
func (f *fakeTransport) SetSID(sid string)                { f.opts.SID = sid }
func (f *fakeTransport) SetListener(l transport.Listener) { f.listener = l }

func (f *fakeTransport) Open() {
	f.opened = true
	f.state = transport.StateOpening
}

func (f *fakeTransport) Send(packets []packet.Packet) {
	if f.state != transport.StateOpen {
		return
	}
	f.writable = false
	f.sent = append(f.sent, packets)
}

func (f *fakeTransport) Pause(onPause func()) {
	if f.holdPause {
		f.state = transport.StatePausing
		f.pauseFn = onPause
		return
	}
	f.state = transport.StatePaused
	onPause()
}

func (f *fakeTransport) Close() {
	if f.closed {
		return
	}
	f.closed = true
	f.state = transport.StateClosed
	f.emit(transport.Event{Kind: transport.EventClose, Reason: "forced close"})
}

func (f *fakeTransport) Discard() {
	f.discarded = true
	f.listener = nil
	f.state = transport.StateClosed
}

func (f *fakeTransport) emit(ev transport.Event) {
	if f.listener != nil {
		f.listener(ev)
	}
}

// server-side actions

func (f *fakeTransport) open() {
	f.state = transport.StateOpen
	f.writable = true
	f.emit(transport.Event{Kind: transport.EventOpen})
}

func (f *fakeTransport) receive(p packet.Packet) {
	f.emit(transport.Event{Kind: transport.EventPacket, Packet: p})
}

func (f *fakeTransport) drain() {
	f.writable = true
	f.emit(transport.Event{Kind: transport.EventDrain})
}

func (f *fakeTransport) fail() {
	f.emit(transport.Event{Kind: transport.EventError, Err: &transport.Error{Reason: "boom"}})
}

func (f *fakeTransport) finishPause() {
	fn := f.pauseFn
	f.pauseFn = nil
	f.state = transport.StatePaused
	fn()
}

// messages returns the data of every message packet sent, in order.
func (f *fakeTransport) messages() []string {
	var out []string
	for _, batch := range f.sent {
		for _, p := range batch {
			if p.Type == packet.Message {
				out = append(out, string(p.Data))
			}
		}
	}
	return out
}

// lastBatch returns the most recent Send call.
func (f *fakeTransport) lastBatch() []packet.Packet {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// harness runs a Session with fake transports.
type harness struct {
	t       *testing.T
	loop    *loop.Loop
	session *Session
	created []*fakeTransport
	events  []Event
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	lp := loop.New(nil)
	t.Cleanup(lp.Close)

	u, err := url.Parse("http://localhost/socket.io/")
	require.NoError(t, err)

	h := &harness{t: t, loop: lp}
	opts := Options{
		URL:            u,
		Transports:     []transport.Name{transport.Polling, transport.WebSocket},
		Upgrade:        true,
		Loop:           lp,
		PriorWebSocket: &atomic.Bool{},
	}
	opts.newTransport = func(name transport.Name, o transport.Options) (transport.Transport, error) {
		ft := &fakeTransport{name: name, opts: o}
		h.created = append(h.created, ft)
		return ft, nil
	}
	if mutate != nil {
		mutate(&opts)
	}

	h.do(func() {
		h.session = New(opts, func(ev Event) { h.events = append(h.events, ev) })
	})
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.True(h.t, h.loop.Call(fn), "loop closed")
}

func (h *harness) transport(i int) *fakeTransport {
	h.t.Helper()
	var ft *fakeTransport
	h.do(func() {
		require.Greater(h.t, len(h.created), i, "transport %d was not created", i)
		ft = h.created[i]
	})
	return ft
}

func (h *harness) kinds() []EventKind {
	var out []EventKind
	h.do(func() {
		for _, ev := range h.events {
			out = append(out, ev.Kind)
		}
	})
	return out
}

func (h *harness) find(kind EventKind) (Event, bool) {
	var found Event
	var ok bool
	h.do(func() {
		for _, ev := range h.events {
			if ev.Kind == kind {
				found, ok = ev, true
				return
			}
		}
	})
	return found, ok
}

func (h *harness) waitFor(kind EventKind, timeout time.Duration) Event {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, ok := h.find(kind); ok {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("no %s event within %s", kind, timeout)
	return Event{}
}

func handshakePacket(upgrades string, pingInterval, pingTimeout, maxPayload int) packet.Packet {
	data := fmt.Sprintf(`{"sid":"s1","upgrades":%s,"pingInterval":%d,"pingTimeout":%d,"maxPayload":%d}`,
		upgrades, pingInterval, pingTimeout, maxPayload)
	return packet.Packet{Type: packet.Open, Data: []byte(data)}
}

// openSession opens the session on a polling fake with the given upgrades.
func (h *harness) openSession(upgrades string) *fakeTransport {
	h.t.Helper()
	h.do(h.session.Open)
	poll := h.transport(0)
	h.do(func() {
		poll.open()
		poll.receive(handshakePacket(upgrades, 25000, 20000, 1000000))
	})
	return poll
}

func msg(s string) packet.Packet {
	return packet.Packet{Type: packet.Message, Data: []byte(s)}
}
