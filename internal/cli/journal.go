package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/courier/internal/core/config"
	redisclient "github.com/vietddude/courier/internal/infra/redis"
)

// openJournal connects the call journal when Redis is configured. A
// journal that cannot connect is skipped.
func openJournal(cfg *config.AppConfig) (*redisclient.Journal, func()) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Warn("Call journal disabled", "error", err)
		return nil, nil
	}

	journal := redisclient.NewJournal(client, cfg.Redis)
	return journal, func() {
		journal.Flush()
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close Redis", "error", err)
		}
	}
}
