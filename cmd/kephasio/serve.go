package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasio/internal/testserver"
)

type serveFlags struct {
	addr         string
	path         string
	namespaces   []string
	pingInterval time.Duration
	pingTimeout  time.Duration
	noUpgrade    bool
	rate         float64
	burst        int
	verbose      bool
}

func serveCmd() *cobra.Command {
	var sf serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat server",
		Long: `Run a small server speaking long-polling and WebSocket sessions.

Every namespace is a chat room: "chat message" is broadcast to the room,
"set username" renames the sender, "get users" lists the room and "echo"
acknowledges with its own arguments.

Examples:
  kephasio serve
  kephasio serve --addr :8080 -n / -n /chat
  kephasio serve --ping-interval 5s --rate 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, sf)
		},
	}

	f := cmd.Flags()
	f.StringVar(&sf.addr, "addr", ":3000", "Address to listen on")
	f.StringVar(&sf.path, "path", "/socket.io/", "Endpoint path")
	f.StringArrayVarP(&sf.namespaces, "namespace", "n", []string{"/"}, "Namespace to serve (repeatable)")
	f.DurationVar(&sf.pingInterval, "ping-interval", 25*time.Second, "Heartbeat interval")
	f.DurationVar(&sf.pingTimeout, "ping-timeout", 20*time.Second, "Heartbeat timeout")
	f.BoolVar(&sf.noUpgrade, "no-upgrade", false, "Do not offer WebSocket upgrades to polling sessions")
	f.Float64Var(&sf.rate, "rate", 100, "Inbound packets per second per client (0 disables limiting)")
	f.IntVar(&sf.burst, "burst", 200, "Inbound packet burst per client")
	f.BoolVarP(&sf.verbose, "verbose", "v", false, "Log every message")

	return cmd
}

func (sf serveFlags) config() *testserver.Config {
	cfg := &testserver.Config{
		Addr:         sf.addr,
		Path:         sf.path,
		PingInterval: sf.pingInterval,
		PingTimeout:  sf.pingTimeout,
		Logger:       newLogger(sf.verbose),
	}
	if !strings.HasSuffix(cfg.Path, "/") {
		cfg.Path += "/"
	}
	if sf.noUpgrade {
		cfg.Upgrades = []string{}
	}
	if sf.rate > 0 {
		cfg.RateLimitConfig = &testserver.RateLimitConfig{
			PacketsPerSecond: rate.Limit(sf.rate),
			Burst:            sf.burst,
			Enabled:          true,
		}
	} else {
		cfg.RateLimitConfig = testserver.NoRateLimit()
	}
	return cfg
}

func runServe(ctx context.Context, sf serveFlags) error {
	cfg := sf.config()
	srv := testserver.New(cfg)
	rooms := make([]*chatRoom, 0, len(sf.namespaces))
	for _, name := range sf.namespaces {
		rooms = append(rooms, newChatRoom(srv.Of(name), cfg.Logger))
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	success("listening on %s%s", sf.addr, cfg.Path)
	for _, room := range rooms {
		info("room %s", room)
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}
