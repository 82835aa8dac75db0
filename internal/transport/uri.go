package transport

import (
	"strconv"
	"sync"
	"time"

	"github.com/luciancaetano/kephasio"
)

const timestampAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// Timestamps generates short, strictly distinct cache-busting values: the
// current time in milliseconds in base 64, suffixed with a sequence number
// when called more than once within the same millisecond.
type Timestamps struct {
	mu   sync.Mutex
	prev string
	seq  int64
	now  func() time.Time
}

// NewTimestamps returns a generator reading the clock through now.
// A nil now uses time.Now.
func NewTimestamps(now func() time.Time) *Timestamps {
	if now == nil {
		now = time.Now
	}
	return &Timestamps{now: now}
}

// Next returns the next value.
func (g *Timestamps) Next() string {
	encoded := encodeBase64Int(g.now().UnixMilli())

	g.mu.Lock()
	defer g.mu.Unlock()
	if encoded != g.prev {
		g.seq = 0
		g.prev = encoded
		return encoded
	}
	seq := g.seq
	g.seq++
	return encoded + "." + encodeBase64Int(seq)
}

func encodeBase64Int(n int64) string {
	if n <= 0 {
		return string(timestampAlphabet[0])
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = timestampAlphabet[n%64]
		n /= 64
	}
	return string(buf[i:])
}

var defaultTimestamps = NewTimestamps(nil)

// uri builds the request URL of a transport with the given scheme.
func (b *base) uri(scheme string) string {
	q := b.opts.URL.Query()
	for k, v := range b.opts.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("EIO", strconv.Itoa(kephasio.EngineProtocol))
	q.Set("transport", string(b.name))
	if b.opts.SID != "" {
		q.Set("sid", b.opts.SID)
	}
	if b.opts.TimestampRequests && b.name != WebTransport {
		q.Set(b.opts.TimestampParam, defaultTimestamps.Next())
	}
	if !b.supportsBinary() && (b.name != Polling || b.opts.SID == "") {
		q.Set("b64", "1")
	}

	u := *b.opts.URL
	u.Scheme = scheme
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// secure reports whether the endpoint uses TLS.
func (b *base) secure() bool {
	switch b.opts.URL.Scheme {
	case "https", "wss":
		return true
	}
	return false
}
