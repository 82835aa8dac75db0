package engine

import (
	"slices"
	"time"

	"github.com/luciancaetano/kephasio/internal/loop"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/transport"
)

// probeDelay holds back other probes when WebTransport is on offer, so it
// can win the upgrade.
const probeDelay = 200 * time.Millisecond

const probeData = "probe"

// probe is an upgrade attempt on a second transport.
type probe struct {
	name   transport.Name
	tr     transport.Transport
	delay  *loop.Timer
	done   bool
	opened bool
	// answered is set once the first packet after open was checked.
	answered bool
	// winner is set once the probe answered and the switch started.
	winner bool
}

func (s *Session) probe(name transport.Name) {
	tr, err := s.createTransport(name)
	if err != nil {
		s.emit(Event{Kind: EventUpgradeError, Transport: name, Err: &UpgradeError{Transport: name, Reason: err.Error()}})
		return
	}

	p := &probe{name: name, tr: tr}
	s.prior.Store(false)
	s.probes = append(s.probes, p)
	tr.SetListener(func(ev transport.Event) { s.onProbeEvent(p, ev) })

	s.logger.Debug("probing transport", "transport", name)
	if name != transport.WebTransport && slices.Contains(s.upgrades, transport.WebTransport) {
		p.delay = s.loop.AfterFunc(probeDelay, func() {
			if !p.done {
				tr.Open()
			}
		})
		return
	}
	tr.Open()
}

func (s *Session) onProbeEvent(p *probe, ev transport.Event) {
	if p.done {
		return
	}

	switch ev.Kind {
	case transport.EventOpen:
		p.opened = true
		p.tr.Send([]packet.Packet{{Type: packet.Ping, Data: []byte(probeData)}})

	case transport.EventPacket:
		if !p.opened || p.answered {
			return
		}
		p.answered = true
		if ev.Packet.Type == packet.Pong && string(ev.Packet.Data) == probeData {
			s.onProbeAnswered(p)
			return
		}
		s.failProbe(p, "unexpected probe response")

	case transport.EventError:
		reason := "transport error"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		s.failProbe(p, reason)

	case transport.EventClose:
		s.failProbe(p, "transport closed")
	}
}

// onProbeAnswered switches to p once the active transport is paused.
// At most one probe gets here: the others are aborted.
func (s *Session) onProbeAnswered(p *probe) {
	p.winner = true
	s.upgrading = true
	s.emit(Event{Kind: EventUpgrading, Transport: p.name})
	for _, other := range slices.Clone(s.probes) {
		if other != p {
			s.abortProbe(other)
		}
	}
	s.prior.Store(p.name == transport.WebSocket)

	s.transport.Pause(func() {
		if p.done || s.state == StateClosed {
			return
		}
		p.done = true
		s.removeProbe(p)

		old := s.transport
		s.setTransport(p.tr)
		old.Discard()
		p.tr.Send([]packet.Packet{{Type: packet.Upgrade}})

		s.logger.Info("transport upgraded", "sid", s.id, "from", old.Name(), "to", p.name)
		s.emit(Event{Kind: EventUpgrade, Transport: p.name})
		s.upgrading = false
		s.settleUpgrade()
		s.flush()
	})
}

// abortProbe releases p without reporting it.
func (s *Session) abortProbe(p *probe) {
	if p.done {
		return
	}
	p.done = true
	p.delay.Stop()
	s.removeProbe(p)
	p.tr.SetListener(nil)
	p.tr.Close()
}

func (s *Session) failProbe(p *probe, reason string) {
	if p.done {
		return
	}
	s.abortProbe(p)

	err := &UpgradeError{Transport: p.name, Reason: reason}
	s.logger.Warn("upgrade probe failed", "transport", p.name, "reason", reason)
	s.emit(Event{Kind: EventUpgradeError, Transport: p.name, Err: err})

	if p.winner {
		// the active transport is paused and cannot resume
		s.upgrading = false
		s.onUpgradeDone = nil
		s.onError(err)
		return
	}
	s.settleUpgrade()
}

func (s *Session) settleUpgrade() {
	if fn := s.onUpgradeDone; fn != nil && !s.upgrading {
		s.onUpgradeDone = nil
		fn()
	}
}

func (s *Session) removeProbe(p *probe) {
	s.probes = slices.DeleteFunc(s.probes, func(q *probe) bool { return q == p })
}
