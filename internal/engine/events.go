package engine

import (
	"fmt"

	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/transport"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventKind is the type of an Event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventHandshake
	EventPacket
	EventMessage
	EventPing
	EventFlush
	EventDrain
	EventUpgrading
	EventUpgrade
	EventUpgradeError
	EventError
	EventClose
)

var eventNames = [...]string{
	EventOpen:         "open",
	EventHandshake:    "handshake",
	EventPacket:       "packet",
	EventMessage:      "message",
	EventPing:         "ping",
	EventFlush:        "flush",
	EventDrain:        "drain",
	EventUpgrading:    "upgrading",
	EventUpgrade:      "upgrade",
	EventUpgradeError: "upgradeError",
	EventError:        "error",
	EventClose:        "close",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is delivered to a Session's Handler on the loop.
type Event struct {
	Kind EventKind
	// Packet is set for EventPacket and EventMessage.
	Packet packet.Packet
	// Handshake is set for EventHandshake.
	Handshake *Handshake
	// Transport names the transport involved in upgrade events.
	Transport transport.Name
	// Err is set for EventError and EventUpgradeError, and for EventClose
	// when the session failed.
	Err error
	// Reason describes an EventClose.
	Reason string
}

// Handler receives session events.
type Handler func(Event)

// Handshake is the payload of the server's open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// UpgradeError reports a failed upgrade probe.
type UpgradeError struct {
	Transport transport.Name
	Reason    string
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("probe error: %s (%s)", e.Reason, e.Transport)
}

// ServerError is raised for error packets.
type ServerError struct {
	Code string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Code)
}
