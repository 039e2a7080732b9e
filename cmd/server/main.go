package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"utag/go-tag-server/internal/app"
	"utag/go-tag-server/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newHandler(cfg.LogLevel))
	logger.Info("starting tag server",
		"http_port", cfg.HTTPPort,
		"mqtt_broker", cfg.MQTTBroker,
		"database", cfg.DatabasePath,
		"locations", cfg.APIBaseURL != "",
	)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}

// newHandler logs as text on a terminal and as JSON when UTAG_LOG_FORMAT=json.
func newHandler(level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel(level)}
	if strings.EqualFold(os.Getenv("UTAG_LOG_FORMAT"), "json") {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func logLevel(level string) slog.Leveler {
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

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
