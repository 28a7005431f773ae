// Command dispatch runs one ingest-and-notify batch and exits. It is the
// entrypoint for external schedulers: exit code 0 means the batch ran and
// the cursor advanced, non-zero means an infrastructure fault and the
// next run will re-scan the same window.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"listing_bot/internal/config"
	"listing_bot/internal/dispatch"
	"listing_bot/internal/ingest"
	"listing_bot/internal/storage"
	"listing_bot/internal/telegram"
)

func main() {
	skipIngest := flag.Bool("skip-ingest", false, "do not pull listing feeds before dispatching")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	sender, err := telegram.New(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create telegram adapter", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !*skipIngest && len(cfg.ListingFeeds) > 0 {
		ingest.New(http.DefaultClient, store, log).IngestAll(ctx, cfg.ListingFeeds)
	}

	disp := dispatch.New(store, sender, log)
	disp.SetWorkerName(cfg.WorkerName)
	disp.SetLookback(cfg.Lookback)

	report, err := disp.Run(ctx)
	if err != nil {
		log.Error("batch failed", "error", err)
		os.Exit(1)
	}

	for _, f := range report.Failures {
		log.Warn("delivery failure",
			"chat_id", f.ChatID,
			"listing_id", f.ListingID,
			"filter_id", f.FilterID,
			"retryable", f.Retryable,
			"error", f.Err,
		)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
