package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/sio"
)

func watchCmd(cf *clientFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch URL",
		Short: "Print every event of a namespace",
		Long: `Connect to the namespace named by the URL path and print incoming
events and connection changes until interrupted.

Examples:
  kephasio watch http://localhost:3000
  kephasio watch http://localhost:3000/chat -t websocket
  kephasio watch https://example.com/admin -a token=secret --metrics-addr :9100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cf, args[0], metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runWatch(ctx context.Context, cf *clientFlags, rawURL, metricsAddr string) error {
	opts, err := cf.options()
	if err != nil {
		return err
	}
	opts.AutoConnect = false

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg := sio.DefaultMetricsConfig()
		cfg.Registry = reg
		opts.Metrics = sio.NewMetrics(cfg)

		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				warn("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		info("metrics on %s/metrics", metricsAddr)
	}

	ch, err := sio.Connect(rawURL, opts)
	if err != nil {
		return err
	}
	m := ch.Manager().(*sio.Manager)
	defer m.Stop()

	m.On(kephasio.EventUpgrade, func(ev kephasio.ManagerEventInfo) {
		info("upgraded to %s", ev.Transport)
	})
	m.On(kephasio.EventReconnectAttempt, func(ev kephasio.ManagerEventInfo) {
		warn("reconnecting (attempt %d)", ev.Attempt)
	})
	m.On(kephasio.EventReconnectFailed, func(kephasio.ManagerEventInfo) {
		warn("giving up reconnecting")
	})

	ch.OnConnect(func() {
		success("connected to %s as %s", ch.Namespace(), ch.ID())
	})
	ch.OnDisconnect(func(reason string) {
		warn("disconnected: %s", reason)
	})
	ch.OnConnectError(func(err error) {
		warn("connect error: %v", err)
	})
	ch.OnAny(func(event string, args ...any) {
		var respond kephasio.Responder
		if n := len(args); n > 0 {
			if r, ok := args[n-1].(kephasio.Responder); ok {
				respond, args = r, args[:n-1]
			}
		}
		info("%s %s", event, formatArgs(args))
		if respond != nil {
			respond()
		}
	})

	if err := ch.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	return ch.Disconnect()
}
