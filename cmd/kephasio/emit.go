package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasio"
	"github.com/luciancaetano/kephasio/sio"
)

func emitCmd(cf *clientFlags) *cobra.Command {
	var (
		timeout time.Duration
		noAck   bool
	)

	cmd := &cobra.Command{
		Use:   "emit URL EVENT [ARG...]",
		Short: "Send one event and print its acknowledgement",
		Long: `Connect to the namespace named by the URL path, send EVENT with the
given arguments and print the server's acknowledgement.

Arguments are parsed as JSON when possible and sent as strings otherwise.

Examples:
  kephasio emit http://localhost:3000 echo hello 42 '{"a":1}'
  kephasio emit http://localhost:3000/chat "chat message" hi --no-ack`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runEmit(ctx, cf, args[0], args[1], args[2:], noAck)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "Do not wait for an acknowledgement")

	return cmd
}

func runEmit(ctx context.Context, cf *clientFlags, rawURL, event string, rawArgs []string, noAck bool) error {
	opts, err := cf.options()
	if err != nil {
		return err
	}
	opts.Reconnection = false
	opts.AutoConnect = false

	ch, err := sio.NewRegistry().Lookup(rawURL, opts)
	if err != nil {
		return err
	}
	defer ch.Manager().(*sio.Manager).Stop()

	connected := make(chan struct{})
	failed := make(chan error, 1)
	ch.OnConnect(func() { close(connected) })
	ch.OnConnectError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	if err := ch.Connect(); err != nil {
		return err
	}

	select {
	case <-connected:
	case err := <-failed:
		return fmt.Errorf("connect: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	}

	args := make([]any, len(rawArgs))
	for i, s := range rawArgs {
		args[i] = parseValue(s)
	}

	if noAck {
		if err := ch.Emit(event, args...); err != nil {
			return err
		}
		success("sent %s", event)
		return ch.Disconnect()
	}

	res, err := ch.EmitWithAck(ctx, event, args...)
	switch {
	case errors.Is(err, kephasio.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("no acknowledgement for %q: %w", event, err)
	case err != nil:
		return err
	}
	success("%s acknowledged", event)
	if len(res) > 0 {
		info("%s", formatArgs(res))
	}
	return ch.Disconnect()
}
