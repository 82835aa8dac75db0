package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/framing"
	"github.com/luciancaetano/kephasio/internal/packet"
)

// QUICStreamDialer dials WebTransport sessions over HTTP/3 and opens one
// bidirectional stream per session.
type QUICStreamDialer struct {
	dialer *webtransport.Dialer
}

// NewQUICStreamDialer returns a StreamDialer. A nil tlsConf uses the system roots.
func NewQUICStreamDialer(tlsConf *tls.Config) *QUICStreamDialer {
	return &QUICStreamDialer{
		dialer: &webtransport.Dialer{
			TLSClientConfig: tlsConf,
			QUICConfig: &quic.Config{
				EnableDatagrams: true,
				KeepAlivePeriod: 10 * time.Second,
				MaxIdleTimeout:  30 * time.Second,
			},
		},
	}
}

func (d *QUICStreamDialer) DialStream(ctx context.Context, url string, header http.Header) (Stream, error) {
	_, sess, err := d.dialer.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	str, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, err.Error())
		return nil, err
	}
	return &sessionStream{
		ReadWriteCloser: str,
		closeSession:    func() error { return sess.CloseWithError(0, "") },
	}, nil
}

// sessionStream closes its session together with the stream.
type sessionStream struct {
	io.ReadWriteCloser
	closeSession func() error
}

func (s *sessionStream) Close() error {
	err := s.ReadWriteCloser.Close()
	if cerr := s.closeSession(); err == nil {
		err = cerr
	}
	return err
}

// webTransport frames packets onto one bidirectional stream.
type webTransport struct {
	base

	dialer StreamDialer
	stream Stream
	sendCh chan batch
	ctx    context.Context
	cancel context.CancelFunc
}

func newWebTransport(opts Options) *webTransport {
	var dialer StreamDialer = NewQUICStreamDialer(nil)
	if opts.WebTransportDialer != nil {
		dialer = opts.WebTransportDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &webTransport{
		base:   newBase(WebTransport, opts),
		dialer: dialer,
		sendCh: make(chan batch, sendQueueLen),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open dials the session and writes the open packet; the transport is open
// once that packet left.
func (w *webTransport) Open() {
	w.state = StateOpening
	uri := w.uri("https")
	ctx := w.ctx
	lp := w.opts.Loop
	header := w.opts.Header.Clone()

	go func() {
		stream, err := w.dialer.DialStream(ctx, uri, header)
		posted := lp.Post(func() {
			if ctx.Err() != nil {
				if stream != nil {
					stream.Close()
				}
				return
			}
			if err != nil {
				w.onError(kephasio.ErrWebTransport, err)
				return
			}
			w.start(ctx, stream)
		})
		if !posted && stream != nil {
			stream.Close()
		}
	}()
}

func (w *webTransport) start(ctx context.Context, stream Stream) {
	w.stream = stream
	writer := framing.NewWriter(stream)
	fail := func(err error) {
		w.onError(kephasio.ErrWebTransport, err)
	}
	go writePump(ctx, w.opts.Loop, w.sendCh, writer.WritePacket, fail)
	go w.readPump(ctx, stream)

	handshake := packet.Packet{Type: packet.Open}
	if w.opts.SID != "" {
		handshake.Data, _ = json.Marshal(map[string]string{"sid": w.opts.SID})
	}
	enqueue(ctx, w.sendCh, batch{packets: []packet.Packet{handshake}, done: w.onOpen})
}

func (w *webTransport) Send(packets []packet.Packet) {
	if w.state != StateOpen {
		return
	}
	w.writable = false
	enqueue(w.ctx, w.sendCh, batch{packets: packets, done: w.onDrain})
}

func (w *webTransport) Close() {
	if w.state == StateClosed {
		return
	}
	w.teardown()
	w.onClose(kephasio.ReasonForcedClose, nil)
}

func (w *webTransport) Discard() {
	w.listener = nil
	w.teardown()
	w.state = StateClosed
	w.writable = false
}

func (w *webTransport) teardown() {
	w.cancel()
	if w.stream != nil {
		w.stream.Close()
		w.stream = nil
	}
}

func (w *webTransport) readPump(ctx context.Context, stream Stream) {
	lp := w.opts.Loop
	err := framing.ReadPackets(stream, framing.Unlimited, func(p packet.Packet) bool {
		lp.Post(func() {
			if ctx.Err() == nil {
				w.onPacket(p)
			}
		})
		return ctx.Err() == nil
	})

	lp.Post(func() {
		if ctx.Err() != nil {
			return
		}
		w.teardown()
		if err != nil {
			w.onClose("webtransport stream failed", err)
			return
		}
		w.onClose("webtransport stream closed", nil)
	})
}
