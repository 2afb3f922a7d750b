package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/courier/internal/control"
)

var (
	serveSize      int
	serveBasePort  int
	serveName      string
	serveBehaviors []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local cluster of peers",
	Long: `Serve starts cluster.size peers on consecutive ports from cluster.base_port,
each hosting the cluster.name service with "echo" and "ping" operations.
The echo operation follows the peer's behavior (ok, declined, busy,
unexpected, timeout or notok).`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveSize, "size", 0, "number of peers (overrides cluster.size)")
	serveCmd.Flags().IntVar(&serveBasePort, "base-port", 0, "first peer port (overrides cluster.base_port)")
	serveCmd.Flags().StringVar(&serveName, "name", "", "service name (overrides cluster.name)")
	serveCmd.Flags().StringSliceVar(&serveBehaviors, "behavior", nil, "per peer behavior, in order")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if serveSize > 0 {
		cfg.Cluster.Size = serveSize
	}
	if serveBasePort > 0 {
		cfg.Cluster.BasePort = serveBasePort
	}
	if serveName != "" {
		cfg.Cluster.Name = serveName
	}
	if len(serveBehaviors) > 0 {
		cfg.Cluster.Behaviors = serveBehaviors
	}

	app, err := control.NewCluster(control.Config{
		Port:    cfg.Server.Port,
		Cluster: cfg.Cluster,
		Pool:    cfg.Pool,
	})
	if err != nil {
		slog.Error("Failed to initialize cluster", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start cluster", "error", err)
		os.Exit(1)
	}

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
