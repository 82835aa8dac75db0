package transport

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/packet"
)

const eventWait = 2 * time.Second

// harness drives a transport from its loop and records its events.
type harness struct {
	t      *testing.T
	loop   *loop.Loop
	tr     Transport
	events chan Event
}

func newHarness(t *testing.T, name Name, rawURL string, mutate func(*Options)) *harness {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	lp := loop.New(nil)
	t.Cleanup(lp.Close)

	opts := Options{URL: u, Loop: lp, TimestampRequests: true}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(name, opts)
	require.NoError(t, err)

	h := &harness{t: t, loop: lp, tr: tr, events: make(chan Event, 64)}
	h.do(func() {
		tr.SetListener(func(ev Event) { h.events <- ev })
	})
	t.Cleanup(func() { h.do(tr.Discard) })
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	h.loop.Call(fn)
}

func (h *harness) next() Event {
	h.t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(eventWait):
		h.t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

func (h *harness) expect(kind EventKind) Event {
	h.t.Helper()
	ev := h.next()
	require.Equal(h.t, kind, ev.Kind, "unexpected event %+v", ev)
	return ev
}

func (h *harness) expectPacket(typ packet.Type, data string) packet.Packet {
	h.t.Helper()
	ev := h.expect(EventPacket)
	require.Equal(h.t, typ, ev.Packet.Type)
	require.Equal(h.t, data, string(ev.Packet.Data))
	return ev.Packet
}

func (h *harness) state() State {
	var s State
	h.do(func() { s = h.tr.State() })
	return s
}

func (h *harness) quiet(d time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.events:
		h.t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}
