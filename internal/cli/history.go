package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <service> <operation>",
	Short: "Show recently journaled calls",
	Args:  cobra.ExactArgs(2),
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of calls to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if !cfg.Redis.Enabled() {
		slog.Error("Call journal requires redis.url")
		os.Exit(1)
	}

	journal, closeJournal := openJournal(cfg)
	if journal == nil {
		os.Exit(1)
	}
	defer closeJournal()

	records, err := journal.Recent(context.Background(), args[0], args[1], historyLimit)
	if err != nil {
		slog.Error("Failed to read call journal", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STARTED\tREQUEST\tOUTCOME\tATTEMPTS\tPEERS\tDURATION")
	for _, rec := range records {
		peers := ""
		for i, att := range rec.Attempts {
			if i > 0 {
				peers += ","
			}
			peers += att.Peer + "=" + att.Outcome
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%dms\n",
			rec.StartedAt.Format(time.RFC3339), rec.RequestID, rec.Outcome, len(rec.Attempts), peers, rec.DurationMs)
	}
	_ = w.Flush()
}
