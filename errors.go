package kephasio

import "errors"

var (
	// ErrAckTimeout is passed to an AckFunc whose acknowledgement did not arrive in time.
	ErrAckTimeout = errors.New("operation has timed out")

	// ErrDisconnected is passed to pending AckFuncs when their socket disconnects.
	ErrDisconnected = errors.New("socket has been disconnected")

	// ErrReservedEvent is returned by Emit for reserved event names.
	ErrReservedEvent = errors.New("reserved event name")

	// ErrNoTransports is reported when the transport list is empty.
	ErrNoTransports = errors.New("no transports available")

	// ErrReconnectFailed is reported once reconnection attempts are exhausted.
	ErrReconnectFailed = errors.New("reconnection attempts exhausted")

	// ErrManagerClosed is returned when posting work to a manager whose event loop stopped.
	ErrManagerClosed = errors.New("manager is closed")
)
