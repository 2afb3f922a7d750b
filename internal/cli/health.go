package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/vietddude/courier/internal/infra/rpc"
	"github.com/vietddude/courier/internal/infra/rpc/server"
)

var healthPeer string

var healthCmd = &cobra.Command{
	Use:   "health -p host:port <service>",
	Short: "Check the health of one peer",
	Args:  cobra.ExactArgs(1),
	Run:   runHealth,
}

func init() {
	healthCmd.Flags().StringVarP(&healthPeer, "peer", "p", "", "peer host:port")
	_ = healthCmd.MarkFlagRequired("peer")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	cfg.Client.Service = args[0]
	cfg.Client.Peers = nil
	cfg.Client.Retry = rpc.RetryFlags{Never: true}

	client, err := newClient(cfg)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	_, res, err := client.Call(context.Background(), server.HealthOperation, nil, nil, rpc.WithPeers(healthPeer))
	if err != nil {
		fmt.Printf("NOT OK: %v\n", err)
		os.Exit(1)
	}

	var body struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(res.Arg3.Value(), &body); err != nil {
		fmt.Printf("NOT OK: invalid health reply: %v\n", err)
		os.Exit(1)
	}
	if !res.OK || !body.OK {
		fmt.Printf("NOT OK: %s\n", body.Message)
		os.Exit(1)
	}
	fmt.Println("OK")
}
