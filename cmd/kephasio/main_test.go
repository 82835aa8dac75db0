package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio/internal/testserver"
	"github.com/luciancaetano/kephasio/sio"
)

func TestClientFlagsOptions(t *testing.T) {
	t.Parallel()

	cf := clientFlags{
		path:       "/rt",
		transports: []string{"websocket", "polling"},
		auth:       []string{"token=abc", "level=3", "admin=true"},
		query:      []string{"room=1", "room=2"},
		noUpgrade:  true,
	}
	opts, err := cf.options()
	require.NoError(t, err)

	assert.Equal(t, "/rt", opts.Path)
	assert.Equal(t, []sio.TransportName{sio.WebSocket, sio.Polling}, opts.Transports)
	assert.False(t, opts.Upgrade)
	assert.Equal(t, map[string]any{"token": "abc", "level": 3.0, "admin": true}, opts.Auth)
	assert.Equal(t, url.Values{"room": {"1", "2"}}, opts.Query)
	assert.NotNil(t, opts.Logger)
	assert.True(t, opts.Reconnection)
}

func TestClientFlagsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cf   clientFlags
	}{
		{name: "unknown transport", cf: clientFlags{transports: []string{"carrier-pigeon"}}},
		{name: "auth without value", cf: clientFlags{transports: []string{"polling"}, auth: []string{"token"}}},
		{name: "query without key", cf: clientFlags{transports: []string{"polling"}, query: []string{"=1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := tt.cf.options()
			assert.Error(t, err)
		})
	}
}

func TestParseValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want any
	}{
		{in: "hello", want: "hello"},
		{in: "42", want: 42.0},
		{in: `"quoted"`, want: "quoted"},
		{in: `{"a":[1,null]}`, want: map[string]any{"a": []any{1.0, nil}}},
		{in: "{broken", want: "{broken"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseValue(tt.in))
		})
	}
}

func TestFormatArgs(t *testing.T) {
	t.Parallel()

	got := formatArgs([]any{"a", 1.0, map[string]any{"k": true}, []byte{1, 2}, nil})
	assert.Equal(t, `"a" 1 {"k":true} <2 bytes> null`, got)
}

func TestServeFlagsConfig(t *testing.T) {
	t.Parallel()

	sf := serveFlags{addr: ":4000", path: "/rt", pingInterval: time.Second, pingTimeout: 2 * time.Second, rate: 5, burst: 7, noUpgrade: true}
	cfg := sf.config()
	assert.Equal(t, ":4000", cfg.Addr)
	assert.Equal(t, "/rt/", cfg.Path)
	assert.Equal(t, time.Second, cfg.PingInterval)
	assert.Empty(t, cfg.Upgrades)
	assert.NotNil(t, cfg.Upgrades)
	assert.Equal(t, &testserver.RateLimitConfig{PacketsPerSecond: rate.Limit(5), Burst: 7, Enabled: true}, cfg.RateLimitConfig)

	sf.rate = 0
	assert.False(t, sf.config().RateLimitConfig.Enabled)
}

func newChatServer(t *testing.T) (*testserver.Server, string) {
	t.Helper()
	srv := testserver.New(nil)
	newChatRoom(srv.Of("/"), slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		ts.Close()
	})
	return srv, ts.URL
}

func TestRunEmit(t *testing.T) {
	t.Parallel()

	_, url := newChatServer(t)
	cf := clientFlags{path: "/socket.io", transports: []string{"websocket"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runEmit(ctx, &cf, url, "echo", []string{"hello", "42"}, false))
	require.NoError(t, runEmit(ctx, &cf, url, "chat message", []string{"hi"}, true))
}

func TestRunEmitWithoutAck(t *testing.T) {
	t.Parallel()

	_, url := newChatServer(t)
	// events without a handler are never acknowledged
	cf := clientFlags{path: "/socket.io", transports: []string{"polling"}}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := runEmit(ctx, &cf, url, "nobody-listens", nil, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChatRoom(t *testing.T) {
	t.Parallel()

	_, url := newChatServer(t)
	reg := sio.NewRegistry()

	opts := sio.DefaultOptions()
	opts.Transports = []sio.TransportName{sio.WebSocket}
	opts.ForceNew = true
	opts.AutoConnect = false

	var (
		mu       sync.Mutex
		messages []any
		joined   []string
	)
	alice, err := reg.Lookup(url, opts)
	require.NoError(t, err)
	t.Cleanup(alice.Manager().(*sio.Manager).Stop)
	alice.On("chat message", func(args ...any) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, args[0].(map[string]any)["message"])
	})
	alice.On("user joined", func(args ...any) {
		mu.Lock()
		defer mu.Unlock()
		joined = append(joined, args[0].(map[string]any)["username"].(string))
	})
	require.NoError(t, alice.Connect())
	require.Eventually(t, alice.Connected, 5*time.Second, 5*time.Millisecond)

	bob, err := reg.Lookup(url, opts)
	require.NoError(t, err)
	t.Cleanup(bob.Manager().(*sio.Manager).Stop)
	require.NoError(t, bob.Connect())
	require.Eventually(t, bob.Connected, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := bob.EmitWithAck(ctx, "set username", "bob")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "bob", res[0].(map[string]any)["username"])

	_, err = bob.EmitWithAck(ctx, "chat message", "hello alice")
	require.NoError(t, err)

	res, err = alice.EmitWithAck(ctx, "get users")
	require.NoError(t, err)
	require.Len(t, res, 1)
	users := res[0].([]any)
	require.Len(t, users, 2)
	names := []string{users[0].(map[string]any)["username"].(string), users[1].(map[string]any)["username"].(string)}
	sort.Strings(names)
	assert.Contains(t, names, "bob")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"hello alice"}, messages)
	assert.Contains(t, joined, "bob")
}
