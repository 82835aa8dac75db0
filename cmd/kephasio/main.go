package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasio/sio"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// clientFlags are shared by the commands that connect to a server.
type clientFlags struct {
	path       string
	transports []string
	auth       []string
	query      []string
	noUpgrade  bool
	verbose    bool
}

func main() {
	var cf clientFlags

	rootCmd := &cobra.Command{
		Use:   "kephasio",
		Short: "Realtime client for socket.io-compatible servers",
		Long: `kephasio connects to socket.io-compatible servers over long-polling,
WebSocket or WebTransport.

  • watch  prints every event of a namespace
  • emit   sends one event and prints its acknowledgement
  • serve  runs a small chat server to try things against`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version + " (" + commit + ")",
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cf.path, "path", "/socket.io", "Server endpoint path")
	pf.StringSliceVarP(&cf.transports, "transports", "t", []string{"polling", "websocket", "webtransport"}, "Transports in order of preference")
	pf.StringArrayVarP(&cf.auth, "auth", "a", nil, "Auth payload entry as key=value (repeatable)")
	pf.StringArrayVarP(&cf.query, "query", "q", nil, "Query parameter as key=value (repeatable)")
	pf.BoolVar(&cf.noUpgrade, "no-upgrade", false, "Stay on the first transport")
	pf.BoolVarP(&cf.verbose, "verbose", "v", false, "Log protocol details")

	rootCmd.AddCommand(
		watchCmd(&cf),
		emitCmd(&cf),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// options maps the shared flags onto client options.
func (cf *clientFlags) options() (sio.Options, error) {
	opts := sio.DefaultOptions()
	opts.Path = cf.path
	opts.Upgrade = !cf.noUpgrade
	opts.Logger = newLogger(cf.verbose)

	opts.Transports = opts.Transports[:0]
	for _, name := range cf.transports {
		switch t := sio.TransportName(name); t {
		case sio.Polling, sio.WebSocket, sio.WebTransport:
			opts.Transports = append(opts.Transports, t)
		default:
			return opts, fmt.Errorf("unknown transport %q", name)
		}
	}

	if len(cf.auth) > 0 {
		opts.Auth = make(map[string]any, len(cf.auth))
		for _, kv := range cf.auth {
			k, v, err := splitPair(kv)
			if err != nil {
				return opts, err
			}
			opts.Auth[k] = parseValue(v)
		}
	}
	if len(cf.query) > 0 {
		opts.Query = url.Values{}
		for _, kv := range cf.query {
			k, v, err := splitPair(kv)
			if err != nil {
				return opts, err
			}
			opts.Query.Add(k, v)
		}
	}
	return opts, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func splitPair(kv string) (string, string, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", kv)
	}
	return k, v, nil
}

// parseValue reads s as JSON, falling back to the plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// formatArgs renders event arguments as JSON.
func formatArgs(args []any) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if b, ok := arg.([]byte); ok {
			parts = append(parts, fmt.Sprintf("<%d bytes>", len(b)))
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%v", arg))
			continue
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, " ")
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
