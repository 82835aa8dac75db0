// Package testserver is a small in-process counterpart of the client. It
// speaks long-polling and WebSocket sessions with upgrade probes, heartbeats,
// namespaces, events and acknowledgements, which is enough to drive the
// client end to end and to back the CLI serve command.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/internal/engine"
	"github.com/luciancaetano/kephasio/internal/packet"
	"github.com/luciancaetano/kephasio/internal/parser"
)

// CheckOriginFn validates the origin of a WebSocket connection request.
type CheckOriginFn = func(r *http.Request) bool

// AuthorizeFn decides whether a namespace connection is accepted. A non-nil
// error is sent back to the client as a connect_error with its message.
type AuthorizeFn = func(nsp string, auth map[string]any) error

// Config configures a Server.
type Config struct {
	// Addr is the listen address used by Start.
	Addr string
	// Path the sessions are served on. Defaults to /socket.io/.
	Path string

	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int
	// Upgrades offered in the handshake of polling sessions.
	Upgrades []string

	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	Authorize       AuthorizeFn
	Logger          *slog.Logger
}

// DefaultConfig returns the configuration of a stock server.
func DefaultConfig() *Config {
	return &Config{
		Path:            "/socket.io/",
		PingInterval:    25 * time.Second,
		PingTimeout:     20 * time.Second,
		MaxPayload:      1_000_000,
		Upgrades:        []string{"websocket"},
		RateLimitConfig: DefaultRateLimitConfig(),
	}
}

// RateLimitConfig defines rate limiting of inbound packets per client.
type RateLimitConfig struct {
	// PacketsPerSecond defines how many packets a client can send per second
	PacketsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig allows 100 packets per second with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PacketsPerSecond: 100,
		Burst:            200,
		Enabled:          true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

// Server accepts client sessions.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	clients  sync.Map // map[string]*Client

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	server     *http.Server
	running    bool
}

// New creates a server. Zero fields of cfg take their DefaultConfig values;
// a nil cfg is DefaultConfig.
func New(cfg *Config) *Server {
	c := DefaultConfig()
	if cfg != nil {
		merged := *cfg
		if merged.Path == "" {
			merged.Path = c.Path
		}
		if merged.PingInterval <= 0 {
			merged.PingInterval = c.PingInterval
		}
		if merged.PingTimeout <= 0 {
			merged.PingTimeout = c.PingTimeout
		}
		if merged.MaxPayload <= 0 {
			merged.MaxPayload = c.MaxPayload
		}
		if merged.Upgrades == nil {
			merged.Upgrades = c.Upgrades
		}
		if merged.RateLimitConfig == nil {
			merged.RateLimitConfig = c.RateLimitConfig
		}
		c = &merged
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        *c,
		logger:     logger.With("component", "testserver"),
		namespaces: make(map[string]*Namespace),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			CheckOrigin:       c.CheckOrigin,
			EnableCompression: true,
		},
	}
	s.Of(parser.DefaultNamespace)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(s.cfg.Path, s.handleGet)
	r.Post(s.cfg.Path, s.handlePost)
	s.router = r
	return s
}

// Handler returns the HTTP handler serving sessions, for use with
// httptest.NewServer or an existing mux.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf(kephasio.ErrServerAlreadyRunning)
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		return nil
	}
}

// Stop closes every client session and, if Start was called, shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(_, value any) bool {
		value.(*Client).Close()
		return true
	})

	s.mu.Lock()
	srv := s.server
	running := s.running
	s.running = false
	s.server = nil
	s.mu.Unlock()

	if !running || srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Of returns the namespace called name, creating it on first use.
func (s *Server) Of(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	nsp, ok := s.namespaces[name]
	if !ok {
		nsp = newNamespace(name)
		s.namespaces[name] = nsp
	}
	return nsp
}

func (s *Server) namespace(name string) (*Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nsp, ok := s.namespaces[name]
	return nsp, ok
}

// GetClient returns a client session by id.
func (s *Server) GetClient(id string) (*Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Client), true
	}
	return nil, false
}

// Clients returns the open client sessions.
func (s *Server) Clients() []*Client {
	var out []*Client
	s.clients.Range(func(_, value any) bool {
		out = append(out, value.(*Client))
		return true
	})
	return out
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	client, ok := s.checkRequest(w, r)
	if !ok {
		return
	}

	switch r.URL.Query().Get("transport") {
	case "polling":
		if client == nil {
			client = s.newClient(r, transportPolling)
			s.writePayload(w, []packet.Packet{client.handshake()})
			return
		}
		client.servePoll(w, r)
	case "websocket":
		s.handleWebSocket(w, r, client)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	client, ok := s.checkRequest(w, r)
	if !ok {
		return
	}
	if client == nil || r.URL.Query().Get("transport") != "polling" {
		http.Error(w, kephasio.ErrBadRequest, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxPayload)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		client.terminate(kephasio.ReasonTransportError)
		return
	}
	for _, p := range packet.DecodePayload(body) {
		if !client.onPacket(p) {
			break
		}
	}
	w.Header().Set("Content-Type", "text/html")
	io.WriteString(w, "ok")
}

// checkRequest validates the protocol query parameters and resolves the
// session named by sid. A nil client with ok set means a new session.
func (s *Server) checkRequest(w http.ResponseWriter, r *http.Request) (*Client, bool) {
	q := r.URL.Query()
	if q.Get("EIO") != strconv.Itoa(kephasio.EngineProtocol) {
		http.Error(w, "Unsupported protocol version", http.StatusBadRequest)
		return nil, false
	}
	switch q.Get("transport") {
	case "polling", "websocket":
	default:
		http.Error(w, kephasio.ErrUnknownTransport, http.StatusBadRequest)
		return nil, false
	}

	sid := q.Get("sid")
	if sid == "" {
		return nil, true
	}
	client, ok := s.GetClient(sid)
	if !ok {
		http.Error(w, kephasio.ErrUnknownSession, http.StatusBadRequest)
		return nil, false
	}
	return client, true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, client *Client) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(int64(s.cfg.MaxPayload))

	if client == nil {
		client = s.newClient(r, transportWebSocket)
		client.attach(conn)
		client.send(client.handshake())
		go client.readPump(conn)
		return
	}
	go client.probe(conn)
}

func (s *Server) writePayload(w http.ResponseWriter, packets []packet.Packet) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Write(packet.EncodePayload(packets))
}

func (s *Server) handshakeData(sid string, upgrades []string) []byte {
	if upgrades == nil {
		upgrades = []string{}
	}
	data, _ := json.Marshal(engine.Handshake{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: int(s.cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(s.cfg.PingTimeout / time.Millisecond),
		MaxPayload:   s.cfg.MaxPayload,
	})
	return data
}
