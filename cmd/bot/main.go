package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"listing_bot/internal/bot"
	"listing_bot/internal/config"
	"listing_bot/internal/dispatch"
	"listing_bot/internal/ingest"
	"listing_bot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	disp := dispatch.New(store, b, log)
	disp.SetWorkerName(cfg.WorkerName)
	disp.SetLookback(cfg.Lookback)
	b.SetBatchRunner(disp)

	ing := ingest.New(http.DefaultClient, store, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(cfg.DispatchSchedule, func() {
		if len(cfg.ListingFeeds) > 0 {
			ing.IngestAll(ctx, cfg.ListingFeeds)
		}
		if _, err := disp.Run(ctx); err != nil {
			log.Error("dispatch batch", "error", err)
		}
	})
	if err != nil {
		log.Error("schedule dispatch", "spec", cfg.DispatchSchedule, "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	log.Info("starting bot", "schedule", cfg.DispatchSchedule, "feeds", len(cfg.ListingFeeds))

	b.Run(ctx)

	log.Info("bot stopped")
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
