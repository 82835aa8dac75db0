package testserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/engine"
)

const waitFor = 2 * time.Second

func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      *RateLimitConfig
		wantPPS     rate.Limit
		wantBurst   int
		wantEnabled bool
	}{
		{name: "default config", config: DefaultRateLimitConfig(), wantPPS: 100, wantBurst: 200, wantEnabled: true},
		{name: "no rate limit", config: NoRateLimit()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantPPS, tt.config.PacketsPerSecond)
			assert.Equal(t, tt.wantBurst, tt.config.Burst)
			assert.Equal(t, tt.wantEnabled, tt.config.Enabled)
		})
	}
}

func TestNewFillsDefaults(t *testing.T) {
	t.Parallel()

	s := New(&Config{PingInterval: time.Second, Upgrades: []string{}})
	assert.Equal(t, "/socket.io/", s.cfg.Path)
	assert.Equal(t, time.Second, s.cfg.PingInterval)
	assert.Equal(t, 20*time.Second, s.cfg.PingTimeout)
	assert.Equal(t, 1_000_000, s.cfg.MaxPayload)
	assert.Empty(t, s.cfg.Upgrades)
	assert.NotNil(t, s.cfg.RateLimitConfig)

	_, ok := s.namespace("/")
	assert.True(t, ok, "main namespace always exists")
	assert.Same(t, s.Of("/chat"), s.Of("/chat"))
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	s := New(&Config{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() { s.Stop(t.Context()) })

	err := s.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, kephasio.ErrServerAlreadyRunning, err.Error())
}

// fixture is a server bound to an httptest listener.
type fixture struct {
	t   *testing.T
	srv *Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(t.Context())
		ts.Close()
	})
	return &fixture{t: t, srv: srv, ts: ts}
}

func (f *fixture) url(query string) string {
	return f.ts.URL + "/socket.io/?EIO=4&" + query
}

func (f *fixture) do(method, query, body string) (int, string) {
	f.t.Helper()
	req, err := http.NewRequestWithContext(f.t.Context(), method, f.url(query), strings.NewReader(body))
	require.NoError(f.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, string(data)
}

func (f *fixture) get(sid string) string {
	f.t.Helper()
	code, body := f.do(http.MethodGet, "transport=polling&sid="+sid, "")
	require.Equal(f.t, http.StatusOK, code, body)
	return body
}

func (f *fixture) post(sid, body string) {
	f.t.Helper()
	code, resp := f.do(http.MethodPost, "transport=polling&sid="+sid, body)
	require.Equal(f.t, http.StatusOK, code, resp)
	require.Equal(f.t, "ok", resp)
}

// handshake opens a polling session.
func (f *fixture) handshake() engine.Handshake {
	f.t.Helper()
	code, body := f.do(http.MethodGet, "transport=polling", "")
	require.Equal(f.t, http.StatusOK, code)
	require.True(f.t, strings.HasPrefix(body, "0"), body)

	var hs engine.Handshake
	require.NoError(f.t, json.Unmarshal([]byte(body[1:]), &hs))
	return hs
}

func (f *fixture) dial(query string) *websocket.Conn {
	f.t.Helper()
	u := "ws" + strings.TrimPrefix(f.url("transport=websocket&"+query), "http")
	conn, _, err := websocket.DefaultDialer.DialContext(f.t.Context(), u, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func write(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func TestPollingHandshake(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &Config{PingInterval: 300 * time.Millisecond, PingTimeout: 200 * time.Millisecond, MaxPayload: 5000})
	hs := f.handshake()

	assert.NotEmpty(t, hs.SID)
	assert.Equal(t, []string{"websocket"}, hs.Upgrades)
	assert.Equal(t, 300, hs.PingInterval)
	assert.Equal(t, 200, hs.PingTimeout)
	assert.Equal(t, 5000, hs.MaxPayload)

	c, ok := f.srv.GetClient(hs.SID)
	require.True(t, ok)
	assert.Equal(t, "polling", c.Transport())
	assert.True(t, c.IsAlive())
	assert.Len(t, f.srv.Clients(), 1)
}

func TestRejectsBadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	tests := []struct {
		name   string
		method string
		query  string
		want   string
	}{
		{name: "unknown transport", method: http.MethodGet, query: "transport=carrier-pigeon", want: kephasio.ErrUnknownTransport},
		{name: "unknown session", method: http.MethodGet, query: "transport=polling&sid=nope", want: kephasio.ErrUnknownSession},
		{name: "post without session", method: http.MethodPost, query: "transport=polling", want: kephasio.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(tt.method, tt.query, "")
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, body, tt.want)
		})
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.ts.URL+"/socket.io/?EIO=3&transport=polling", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollingEventsAndAcks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	chat := f.srv.Of("/chat")

	var (
		mu     sync.Mutex
		events []string
	)
	chat.OnAny(func(s *Socket, event string, args []any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})
	chat.On("ping", func(s *Socket, args []any) []any {
		return append([]any{"pong"}, args...)
	})

	hs := f.handshake()
	f.post(hs.SID, "40/chat,")
	body := f.get(hs.SID)
	require.True(t, strings.HasPrefix(body, `40/chat,{"sid":"`), body)

	sockets := chat.Sockets()
	require.Len(t, sockets, 1)
	assert.Contains(t, body, sockets[0].ID())

	f.post(hs.SID, "42/chat,1[\"ping\",\"x\"]\x1e42/chat,[\"note\"]")
	assert.Equal(t, `43/chat,1["pong","x"]`, f.get(hs.SID))

	mu.Lock()
	assert.Equal(t, []string{"ping", "note"}, events)
	mu.Unlock()
}

func TestConnectErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &Config{
		Authorize: func(nsp string, auth map[string]any) error {
			if auth["token"] != "secret" {
				return errors.New("not authorized")
			}
			return nil
		},
	})

	hs := f.handshake()
	f.post(hs.SID, "40/nope,")
	assert.Equal(t, `44/nope,{"message":"Invalid namespace"}`, f.get(hs.SID))

	f.post(hs.SID, `40{"token":"guess"}`)
	assert.Equal(t, `44{"message":"not authorized"}`, f.get(hs.SID))

	f.post(hs.SID, `40{"token":"secret"}`)
	assert.True(t, strings.HasPrefix(f.get(hs.SID), `40{"sid":"`))
	require.Len(t, f.srv.Of("/").Sockets(), 1)
	assert.Equal(t, map[string]any{"token": "secret"}, f.srv.Of("/").Sockets()[0].Auth())
}

func TestWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	hs := f.handshake()

	polled := make(chan string, 1)
	go func() {
		_, body := f.do(http.MethodGet, "transport=polling&sid="+hs.SID, "")
		polled <- body
	}()

	conn := f.dial("sid=" + hs.SID)
	write(t, conn, "2probe")
	assert.Equal(t, "3probe", read(t, conn))

	select {
	case body := <-polled:
		assert.Equal(t, "6", body)
	case <-time.After(waitFor):
		t.Fatal("pending poll was not released")
	}

	write(t, conn, "5")
	c, ok := f.srv.GetClient(hs.SID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return c.Transport() == "websocket" }, waitFor, time.Millisecond)

	write(t, conn, "40")
	assert.True(t, strings.HasPrefix(read(t, conn), `40{"sid":"`))

	// polling is over for this session
	code, _ := f.do(http.MethodGet, "transport=polling&sid="+hs.SID, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebSocketOnlySession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	conn := f.dial("")

	open := read(t, conn)
	require.True(t, strings.HasPrefix(open, "0"), open)
	var hs engine.Handshake
	require.NoError(t, json.Unmarshal([]byte(open[1:]), &hs))
	assert.Empty(t, hs.Upgrades)

	write(t, conn, "40")
	require.True(t, strings.HasPrefix(read(t, conn), "40"))

	sockets := f.srv.Of("/").Sockets()
	require.Len(t, sockets, 1)

	acked := make(chan []any, 1)
	require.NoError(t, sockets[0].Emit("hi", 1.0, func(args []any) { acked <- args }))
	assert.Equal(t, `420["hi",1]`, read(t, conn))

	write(t, conn, `430["ok"]`)
	select {
	case args := <-acked:
		assert.Equal(t, []any{"ok"}, args)
	case <-time.After(waitFor):
		t.Fatal("ack not delivered")
	}

	require.NoError(t, sockets[0].Disconnect())
	assert.Equal(t, "41", read(t, conn))
	assert.Empty(t, f.srv.Of("/").Sockets())
}

func TestBinaryAttachments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	got := make(chan []any, 1)
	f.srv.Of("/").On("upload", func(s *Socket, args []any) []any {
		got <- args
		return []any{[]byte{9, 8}}
	})

	conn := f.dial("")
	read(t, conn)
	write(t, conn, "40")
	read(t, conn)

	write(t, conn, `451-3["upload",{"_placeholder":true,"num":0}]`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	select {
	case args := <-got:
		assert.Equal(t, []any{[]byte{1, 2, 3}}, args)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}

	assert.Equal(t, `461-3[{"_placeholder":true,"num":0}]`, read(t, conn))
	conn.SetReadDeadline(time.Now().Add(waitFor))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{9, 8}, data)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &Config{PingInterval: 20 * time.Millisecond, PingTimeout: 30 * time.Millisecond})

	t.Run("answered pings keep the session", func(t *testing.T) {
		conn := f.dial("")
		open := read(t, conn)
		var hs engine.Handshake
		require.NoError(t, json.Unmarshal([]byte(open[1:]), &hs))

		for range 3 {
			assert.Equal(t, "2", read(t, conn))
			write(t, conn, "3")
		}
		_, ok := f.srv.GetClient(hs.SID)
		assert.True(t, ok)
	})

	t.Run("missed pong ends the session", func(t *testing.T) {
		var reason string
		var mu sync.Mutex
		f.srv.Of("/").OnDisconnect(func(s *Socket, r string) {
			mu.Lock()
			defer mu.Unlock()
			reason = r
		})

		hs := f.handshake()
		f.post(hs.SID, "40")
		require.Eventually(t, func() bool {
			_, ok := f.srv.GetClient(hs.SID)
			return !ok
		}, waitFor, time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, kephasio.ReasonPingTimeout, reason)
	})
}

func TestCloseAndDrop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	t.Run("client close packet", func(t *testing.T) {
		conn := f.dial("")
		read(t, conn)
		write(t, conn, "40")
		read(t, conn)
		write(t, conn, "1")
		require.Eventually(t, func() bool { return len(f.srv.Of("/").Sockets()) == 0 }, waitFor, time.Millisecond)
	})

	t.Run("graceful server close", func(t *testing.T) {
		hs := f.handshake()
		c, ok := f.srv.GetClient(hs.SID)
		require.True(t, ok)
		c.Close()
		assert.Equal(t, "1", f.get(hs.SID))
		assert.False(t, c.IsAlive())
		assert.Error(t, c.Context().Err())
	})

	t.Run("drop", func(t *testing.T) {
		conn := f.dial("")
		open := read(t, conn)
		var hs engine.Handshake
		require.NoError(t, json.Unmarshal([]byte(open[1:]), &hs))
		c, ok := f.srv.GetClient(hs.SID)
		require.True(t, ok)

		c.Drop()
		conn.SetReadDeadline(time.Now().Add(waitFor))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &Config{RateLimitConfig: &RateLimitConfig{PacketsPerSecond: 1, Burst: 2, Enabled: true}})
	conn := f.dial("")
	read(t, conn)

	write(t, conn, "40")
	read(t, conn)
	write(t, conn, `42["a"]`)
	write(t, conn, `42["b"]`)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, kephasio.ErrRateLimitExceeded, closeErr.Text)
}
