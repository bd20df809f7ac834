// bridgectl watches and drives a running studio bridge from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/studio-bridge/internal/client"
	"github.com/workspace/studio-bridge/internal/retry"
)

type options struct {
	host  string
	port  int
	token string
}

func (o *options) addr() string {
	return net.JoinHostPort(o.host, strconv.Itoa(o.port))
}

func (o *options) wsURL() string   { return "ws://" + o.addr() + "/ws" }
func (o *options) httpURL() string { return "http://" + o.addr() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Control Roblox Studio through the studio bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.host, "host", envOr("BRIDGE_HOST", "127.0.0.1"), "bridge host")
	root.PersistentFlags().IntVar(&opts.port, "port", envInt("BRIDGE_PORT", 4849), "bridge port")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("BRIDGE_TOKEN"), "bridge auth token")

	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newCmdCmd(opts))
	root.AddCommand(newCallCmd(opts))
	return root
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the bridge is up and Studio is connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			conn, studio, err := newObserver(opts.wsURL(), opts.token).connect(cmd.Context())
			if err != nil {
				fmt.Fprintln(out, "✗ Server is not running at "+opts.addr())
				return err
			}
			conn.Close()

			fmt.Fprintln(out, "✓ Server is running")
			if studio {
				fmt.Fprintln(out, "✓ Studio is connected")
			} else {
				fmt.Fprintln(out, "⚠ Studio is not connected")
			}
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream Studio logs and bridge events, reconnecting as needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backoff := retry.NewBackoff(retry.Config{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			})
			return newObserver(opts.wsURL(), opts.token).watch(cmd.Context(), cmd.OutOrStdout(), backoff)
		},
	}
}

func newCmdCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cmd <name> [json-payload]",
		Short: "Send a command to Studio and wait for its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			res, err := newObserver(opts.wsURL(), opts.token).sendCommand(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatFrame(res))
			if res.OK != nil && !*res.OK {
				return fmt.Errorf("%s failed", args[0])
			}
			return nil
		},
	}
}

func newCallCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <tool> [json-params]",
		Short: "Run a devtools call in Studio and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			res, err := client.New(opts.httpURL(), opts.token).Call(cmd.Context(), args[0], params, timeout)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s: %s", args[0], res.Error)
			}

			out, err := json.MarshalIndent(res.Result, "", "  ")
			if err != nil {
				out = res.Result
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "call timeout (bridge default when zero)")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}
