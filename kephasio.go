package kephasio

import (
	"context"
	"time"
)

// Socket is one namespaced channel multiplexed over a shared Manager connection.
//
// All methods are safe for concurrent use. Handlers registered on a Socket run
// on the owning Manager's event loop goroutine, in arrival order, and must not
// block.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephasio/sio"
//
//	socket, err := sio.Connect("https://example.com/chat", sio.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//
//	socket.OnConnect(func() {
//	    log.Printf("connected as %s", socket.ID())
//	})
//	socket.On("message", func(args ...any) {
//	    log.Printf("message: %v", args)
//	})
//	socket.Emit("hello", "world")
type Socket interface {
	// ID returns the session id assigned by the server for this namespace.
	// It is empty while disconnected.
	ID() string

	// Namespace returns the namespace this socket is bound to (e.g. "/" or "/chat").
	Namespace() string

	// Connected reports whether the server acknowledged the namespace connection.
	Connected() bool

	// Recovered reports whether the last connection restored a previous
	// session (connection-state recovery).
	Recovered() bool

	// Active reports whether the socket is subscribed to its Manager and will
	// reconnect together with it.
	Active() bool

	// Connect opens the socket. It opens the Manager if needed and sends the
	// namespace connect packet once the underlying connection is open.
	Connect() error

	// Disconnect closes the namespace. The Manager closes too when no other
	// socket uses it.
	Disconnect() error

	// Emit sends an event. A trailing AckFunc argument is registered as the
	// acknowledgement callback and invoked exactly once.
	//
	// Reserved event names (see ReservedEvents) are rejected with ErrReservedEvent.
	//
	// Example:
	//
	//	socket.Emit("update", map[string]any{"id": 1}, kephasio.AckFunc(func(args []any, err error) {
	//	    if err != nil {
	//	        log.Printf("no ack: %v", err)
	//	    }
	//	}))
	Emit(event string, args ...any) error

	// EmitWithAck sends an event and blocks until the server acknowledges it,
	// the ack times out, the socket disconnects, or ctx is done.
	EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error)

	// Timeout returns an Emitter whose acknowledgements fail with ErrAckTimeout
	// after d.
	Timeout(d time.Duration) Emitter

	// Volatile returns an Emitter whose events are dropped instead of buffered
	// when the socket cannot send immediately.
	Volatile() Emitter

	// Compress returns an Emitter that sets the compression hint on its packets.
	Compress(compress bool) Emitter

	// On registers a handler for an application event. If the server expects an
	// acknowledgement, the last argument passed to the handler is a Responder.
	On(event string, handler Handler)

	// Off removes every handler for an application event.
	Off(event string)

	// OnAny registers a handler that receives every incoming event.
	OnAny(handler AnyHandler)

	// PrependAny registers an incoming any-handler that runs before the
	// ones already registered.
	PrependAny(handler AnyHandler)

	// OffAny removes every incoming any-handler.
	OffAny()

	// OnAnyOutgoing registers a handler that receives every outgoing event.
	OnAnyOutgoing(handler AnyHandler)

	// PrependAnyOutgoing registers an outgoing any-handler that runs before
	// the ones already registered.
	PrependAnyOutgoing(handler AnyHandler)

	// OffAnyOutgoing removes every outgoing any-handler.
	OffAnyOutgoing()

	// OnConnect registers a handler for the namespace connect acknowledgement.
	OnConnect(handler func())

	// OnDisconnect registers a handler for disconnection. The reason is one of
	// the Reason* constants.
	OnDisconnect(handler func(reason string))

	// OnConnectError registers a handler for connection failures, including
	// connect_error packets sent by the server.
	OnConnectError(handler func(err error))

	// Manager returns the connection manager this socket is multiplexed on.
	Manager() Manager
}

// Emitter sends events with per-call flags. Emitters are values; deriving
// one never changes the flags of the Socket it came from.
type Emitter interface {
	Emit(event string, args ...any) error
	EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error)
	Timeout(d time.Duration) Emitter
	Volatile() Emitter
	Compress(compress bool) Emitter
}

// Manager owns the physical connection shared by every Socket opened against
// the same target, and reconnects it with exponential backoff.
type Manager interface {
	// Open opens the connection if it is closed. It returns immediately; the
	// outcome is reported through EventOpen or EventError.
	Open() error

	// Close closes the connection and disables automatic reconnection.
	Close() error

	// ReadyState returns the current connection state.
	ReadyState() ReadyState

	// Reconnecting reports whether a reconnection is scheduled or running.
	Reconnecting() bool

	// On registers a handler for a manager lifecycle event.
	On(kind ManagerEvent, handler func(info ManagerEventInfo))
}

// Handler receives the arguments of an application event.
type Handler func(args ...any)

// AnyHandler receives every event together with its name.
type AnyHandler func(event string, args ...any)

// AckFunc receives the server acknowledgement payload, or an error if the
// acknowledgement timed out or the socket disconnected first.
type AckFunc func(args []any, err error)

// Responder acknowledges an incoming event. Only the first call sends.
type Responder func(args ...any)
