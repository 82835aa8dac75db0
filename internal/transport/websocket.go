package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/packet"
)

// compressThreshold is the smallest message compressed when compression
// was requested.
const compressThreshold = 1024

// DefaultWebSocketDialer negotiates per-message compression.
func DefaultWebSocketDialer() *websocket.Dialer {
	d := *websocket.DefaultDialer
	d.EnableCompression = true
	return &d
}

// websocketTransport sends every packet as its own WebSocket message.
type websocketTransport struct {
	base

	dialer *websocket.Dialer
	conn   *websocket.Conn
	sendCh chan batch
	ctx    context.Context
	cancel context.CancelFunc
}

func newWebSocket(opts Options) *websocketTransport {
	dialer := opts.WebSocketDialer
	if dialer == nil {
		dialer = DefaultWebSocketDialer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &websocketTransport{
		base:   newBase(WebSocket, opts),
		dialer: dialer,
		sendCh: make(chan batch, sendQueueLen),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *websocketTransport) Open() {
	w.state = StateOpening
	scheme := "ws"
	if w.secure() {
		scheme = "wss"
	}
	uri := w.uri(scheme)
	ctx := w.ctx
	lp := w.opts.Loop
	header := w.opts.Header.Clone()

	go func() {
		conn, _, err := w.dialer.DialContext(ctx, uri, header)
		posted := lp.Post(func() {
			if ctx.Err() != nil {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				w.onError(kephasio.ErrWebsocket, err)
				return
			}
			w.conn = conn
			go w.readPump(ctx, conn)
			go w.writePump(ctx, conn, w.supportsBinary())
			w.onOpen()
		})
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

// Send queues one message per packet. EventDrain is posted after the last
// one was written, so callers observe it strictly after Send returned.
func (w *websocketTransport) Send(packets []packet.Packet) {
	if w.state != StateOpen {
		return
	}
	w.writable = false
	enqueue(w.ctx, w.sendCh, batch{packets: packets, done: w.onDrain})
}

func (w *websocketTransport) Close() {
	if w.state == StateClosed {
		return
	}
	w.teardown()
	w.onClose(kephasio.ReasonForcedClose, nil)
}

func (w *websocketTransport) Discard() {
	w.listener = nil
	w.teardown()
	w.state = StateClosed
	w.writable = false
}

func (w *websocketTransport) teardown() {
	w.cancel()
	if w.conn == nil {
		return
	}
	conn := w.conn
	w.conn = nil
	go func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		conn.Close()
	}()
}

// readPump turns incoming messages into packets on the loop.
func (w *websocketTransport) readPump(ctx context.Context, conn *websocket.Conn) {
	lp := w.opts.Loop
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			lp.Post(func() {
				if ctx.Err() != nil {
					return
				}
				w.teardown()
				w.onClose("websocket connection closed", err)
			})
			return
		}

		binary := mt == websocket.BinaryMessage
		lp.Post(func() {
			if ctx.Err() == nil {
				w.onPacket(packet.Decode(data, binary))
			}
		})
	}
}

func (w *websocketTransport) writePump(ctx context.Context, conn *websocket.Conn, supportsBinary bool) {
	write := func(p packet.Packet) error {
		data, binary := packet.Encode(p, supportsBinary)
		messageType := websocket.TextMessage
		if binary {
			messageType = websocket.BinaryMessage
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.EnableWriteCompression(p.Compress && len(data) >= compressThreshold)
		return conn.WriteMessage(messageType, data)
	}
	fail := func(err error) {
		w.onError(kephasio.ErrWebsocket, err)
	}
	writePump(ctx, w.opts.Loop, w.sendCh, write, fail)
}
