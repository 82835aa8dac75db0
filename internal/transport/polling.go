package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/packet"
)

// polling emulates a duplex channel with HTTP requests: a continuous chain
// of GET requests receives, and each write is one POST.
type polling struct {
	base

	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc

	pollActive bool

	onPause   func()
	waitPoll  bool
	waitDrain bool
}

func newPolling(opts Options) *polling {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &polling{
		base:   newBase(Polling, opts),
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *polling) scheme() string {
	if p.secure() {
		return "https"
	}
	return "http"
}

// Open starts the poll loop; the transport is open once the server's open
// packet arrives.
func (p *polling) Open() {
	p.state = StateOpening
	p.poll()
}

func (p *polling) Send(packets []packet.Packet) {
	if p.state != StateOpen {
		return
	}
	p.write(packets)
}

// Pause waits for an in-flight poll and an unfinished write before calling onPause.
func (p *polling) Pause(onPause func()) {
	p.state = StatePausing
	p.onPause = onPause
	p.waitPoll = p.pollActive
	p.waitDrain = !p.writable
	p.checkPaused()
}

func (p *polling) checkPaused() {
	if p.onPause == nil || p.waitPoll || p.waitDrain {
		return
	}
	fn := p.onPause
	p.onPause = nil
	p.state = StatePaused
	fn()
}

// Close sends a close packet if the transport is open, aborts in-flight
// requests and emits EventClose.
func (p *polling) Close() {
	if p.state == StateClosed {
		return
	}
	if p.state == StateOpen {
		body := packet.EncodePayload([]packet.Packet{{Type: packet.Close}})
		uri := p.uri(p.scheme())
		go func() {
			ctx, cancel := p.requestContext(context.Background())
			defer cancel()
			if _, err := p.request(ctx, http.MethodPost, uri, body); err != nil {
				p.logger.Debug("close request failed", "error", err)
			}
		}()
	}
	p.cancel()
	p.onClose(kephasio.ReasonForcedClose, nil)
}

func (p *polling) Discard() {
	p.cancel()
	p.listener = nil
	p.state = StateClosed
	p.writable = false
}

func (p *polling) poll() {
	p.pollActive = true
	uri := p.uri(p.scheme())
	ctx := p.ctx

	go func() {
		reqCtx, cancel := p.requestContext(ctx)
		body, err := p.request(reqCtx, http.MethodGet, uri, nil)
		cancel()

		p.opts.Loop.Post(func() {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.onError(kephasio.ErrPollRequest, err)
				return
			}
			p.onData(body)
		})
	}()
}

func (p *polling) onData(data []byte) {
	for _, pkt := range packet.DecodePayload(data) {
		if p.state == StateClosed {
			return
		}
		if p.state == StateOpening && pkt.Type == packet.Open {
			p.onOpen()
		}
		if pkt.Type == packet.Close {
			p.cancel()
			p.onClose("transport closed by the server", nil)
			return
		}
		p.onPacket(pkt)
	}

	if p.state == StateClosed {
		return
	}
	p.pollActive = false
	if p.waitPoll {
		p.waitPoll = false
		p.checkPaused()
	}
	if p.state == StateOpen {
		p.poll()
	}
}

func (p *polling) write(packets []packet.Packet) {
	p.writable = false
	body := packet.EncodePayload(packets)
	uri := p.uri(p.scheme())
	ctx := p.ctx

	go func() {
		reqCtx, cancel := p.requestContext(ctx)
		_, err := p.request(reqCtx, http.MethodPost, uri, body)
		cancel()

		p.opts.Loop.Post(func() {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.onError(kephasio.ErrPostRequest, err)
				return
			}
			p.onDrain()
			if p.waitDrain {
				p.waitDrain = false
				p.checkPaused()
			}
		})
	}()
}

func (p *polling) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if p.opts.RequestTimeout > 0 {
		return context.WithTimeout(parent, p.opts.RequestTimeout)
	}
	return context.WithCancel(parent)
}

func (p *polling) request(ctx context.Context, method, uri string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range p.opts.Header {
		req.Header[k] = v
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}
	req.Header.Set("Accept", "*/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
