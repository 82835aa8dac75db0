package kephasio

// ReadyState is the state of a Manager connection.
type ReadyState int

const (
	StateClosed ReadyState = iota
	StateOpening
	StateOpen
)

func (s ReadyState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ManagerEvent identifies a Manager lifecycle notification.
type ManagerEvent int

const (
	EventOpen ManagerEvent = iota
	EventClose
	EventError
	EventPing
	EventPacket
	EventUpgrade
	EventReconnectAttempt
	EventReconnectError
	EventReconnectFailed
	EventReconnect
)

func (e ManagerEvent) String() string {
	switch e {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventPing:
		return "ping"
	case EventPacket:
		return "packet"
	case EventUpgrade:
		return "upgrade"
	case EventReconnectAttempt:
		return "reconnect_attempt"
	case EventReconnectError:
		return "reconnect_error"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// ManagerEventInfo carries the details of a ManagerEvent. Only the fields
// relevant to the event kind are set.
type ManagerEventInfo struct {
	Kind ManagerEvent

	// Reason is set for EventClose.
	Reason string

	// Err is set for EventError, EventReconnectError, EventReconnectFailed and,
	// when known, EventClose.
	Err error

	// Attempt is set for EventReconnectAttempt and EventReconnect.
	Attempt int

	// Transport is set for EventUpgrade.
	Transport string

	// Namespace and PacketType are set for EventPacket.
	Namespace  string
	PacketType string
}
