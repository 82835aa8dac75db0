// Package kephasio is a realtime client for socket.io-compatible servers.
//
// It speaks the engine protocol (revision 4) over HTTP long-polling,
// WebSocket and WebTransport, and the socket protocol on top of it:
// namespaces, events with acknowledgements and binary attachments.
//
// # Architecture
//
// A Manager owns one engine session to a server and multiplexes every
// namespace Socket over it. Sessions start on the first configured transport
// and upgrade to a better one when the server offers it. When the
// connection is lost the Manager reconnects with exponential backoff and
// each Socket rejoins its namespace.
//
// All state of a Manager and its Sockets lives on a single goroutine, so
// handlers for one Manager never run concurrently with each other.
//
// # Quick Start
//
//	import "github.com/luciancaetano/kephasio/sio"
//
//	chat, err := sio.Connect("http://localhost:3000/chat", sio.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	chat.On("chat message", func(args ...any) {
//	    fmt.Println(args...)
//	})
//	chat.OnConnect(func() {
//	    chat.Emit("chat message", "hello")
//	})
//
//	res, err := chat.Timeout(5*time.Second).EmitWithAck(ctx, "get users")
//
// # Acknowledgements
//
// EmitWithAck blocks until the server acknowledges, the context is done or
// the emitter timeout fires with ErrAckTimeout. Events the server sends with
// an acknowledgement id receive a Responder as their last argument.
//
// # Buffering
//
// Events emitted while disconnected are queued and flushed on connect.
// Volatile events are dropped instead. With Options.Retries set, packets
// are delivered one at a time and retried until acknowledged.
//
// # Reserved events
//
// connect, connect_error, disconnect, disconnecting, newListener and
// removeListener cannot be emitted; Emit returns ErrReservedEvent.
package kephasio
