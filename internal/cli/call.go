package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/courier/internal/core/config"
	"github.com/vietddude/courier/internal/infra/rpc"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

var (
	callPeers             []string
	callService           string
	callArg2              string
	callTimeout           time.Duration
	callDeadline          time.Duration
	callStrategy          string
	callNoRetry           bool
	callRetryOnTimeout    bool
	callRetryOnConnection bool
	callRetryOnArg2       string
	callStream            bool
)

var callCmd = &cobra.Command{
	Use:   "call <operation> [arg3]",
	Short: "Send one call, retrying on other peers",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runCall,
}

func init() {
	f := callCmd.Flags()
	f.StringArrayVarP(&callPeers, "peer", "p", nil, "peer host:port (repeatable, overrides client.peers)")
	f.StringVar(&callService, "service", "", "service name (overrides client.service)")
	f.StringVar(&callArg2, "arg2", "", "arg2 (headers payload)")
	f.DurationVar(&callTimeout, "timeout", 0, "per attempt timeout (overrides client.timeout)")
	f.DurationVar(&callDeadline, "deadline", 0, "overall deadline (overrides client.deadline)")
	f.StringVar(&callStrategy, "strategy", "", "peer selection: first, random, round_robin, least_pending")
	f.BoolVar(&callNoRetry, "no-retry", false, "never retry transport errors")
	f.BoolVar(&callRetryOnTimeout, "retry-on-timeout", false, "retry timed out attempts")
	f.BoolVar(&callRetryOnConnection, "retry-on-connection-error", false, "retry unreachable peers")
	f.StringVar(&callRetryOnArg2, "retry-on-arg2", "", "retry not-ok responses whose arg2 equals this value")
	f.BoolVar(&callStream, "stream", false, "ask peers to stream the response")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	applyCallFlags(cmd, &cfg.Client)

	if code := call(cfg, args, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

// call sends one request and prints its attempts and response. It returns
// the process exit code after the journal is flushed and the client closed.
func call(cfg *config.AppConfig, args []string, out io.Writer) int {
	client, err := newClient(cfg)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		return 1
	}
	defer client.Close()

	if journal, closeJournal := openJournal(cfg); journal != nil {
		client.AddObserver(journal)
		defer closeJournal()
	}

	var arg3 []byte
	if len(args) > 1 {
		arg3 = []byte(args[1])
	}

	var opts []rpc.CallOption
	if callStream {
		opts = append(opts, rpc.WithStream())
	}
	if callRetryOnArg2 != "" {
		opts = append(opts, rpc.WithShouldRetry(retryOnArg2(callRetryOnArg2)))
	}

	rc, res, err := client.Call(context.Background(), args[0], []byte(callArg2), arg3, opts...)
	printAttempts(out, rc.Attempts())

	if err != nil {
		slog.Error("Call failed", "request_id", rc.ID, "kind", rpc.KindOf(err).String(), "error", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), provider.DefaultStreamBodyTimeout)
	defer cancel()
	if err := res.Materialize(ctx); err != nil {
		slog.Error("Failed to read response", "error", err)
		return 1
	}

	_, _ = fmt.Fprintf(out, "\nok:   %v\narg2: %s\narg3: %s\n", res.OK, res.Arg2.String(), res.Arg3.String())
	if !res.OK {
		return 1
	}
	return 0
}

// applyCallFlags overrides client config with explicitly set flags.
func applyCallFlags(cmd *cobra.Command, c *config.ClientConfig) {
	flags := cmd.Flags()
	if flags.Changed("peer") {
		c.Peers = callPeers
	}
	if callService != "" {
		c.Service = callService
	}
	if callTimeout > 0 {
		c.Timeout = callTimeout
	}
	if callDeadline > 0 {
		c.Deadline = callDeadline
	}
	if callStrategy != "" {
		c.Strategy = callStrategy
	}
	if flags.Changed("no-retry") {
		c.Retry.Never = callNoRetry
	}
	if flags.Changed("retry-on-timeout") {
		c.Retry.OnTimeout = callRetryOnTimeout
	}
	if flags.Changed("retry-on-connection-error") {
		c.Retry.OnConnectionError = callRetryOnConnection
	}
}

func newClient(cfg *config.AppConfig) (*rpc.Client, error) {
	client, err := rpc.NewClient(rpc.ClientConfig{
		Service:    cfg.Client.Service,
		Timeout:    cfg.Client.Timeout,
		Deadline:   cfg.Client.Deadline,
		RetryFlags: cfg.Client.Retry,
		Strategy:   rpc.Strategy(cfg.Client.Strategy),
		Pool: provider.PoolConfig{
			MaxSize:             cfg.Pool.MaxSize,
			ConnectTimeout:      cfg.Pool.ConnectTimeout,
			HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		},
		Logger: slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	client.AddPeers(cfg.Client.Peers...)
	return client, nil
}

// retryOnArg2 retries not-ok responses carrying value as arg2.
func retryOnArg2(value string) rpc.Predicate {
	return func(_ context.Context, _ *rpc.RequestContext, res *rpc.Response) rpc.Decision {
		if !res.OK && res.Arg2.String() == value {
			return rpc.Retry()
		}
		return rpc.Finish()
	}
}

func printAttempts(out io.Writer, attempts []rpc.Attempt) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "#\tPEER\tOUTCOME\tRETRIED\tDURATION")
	for i, att := range attempts {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\n",
			i+1, att.Peer, att.Kind.String(), att.Retried, att.Duration.Round(time.Microsecond))
	}
	_ = w.Flush()
}
