package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mwestra/chronicle/bot"
	"github.com/mwestra/chronicle/config"
	"github.com/mwestra/chronicle/logstore"
	"github.com/mwestra/chronicle/store"
)

func main() {
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (default from config)")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Bootstrap logger until the config and store are up.
	slog.SetDefault(slog.New(buildHandler("info", *logFormat)))

	// Config path: --config flag > CHRONICLE_CONFIG env > default
	cfgPath := config.Resolve()
	if *configPath != "" {
		cfgPath = *configPath
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", cfgPath, "dev_mode", cfg.DevMode)

	st, err := store.Open(&cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store opened", "driver", cfg.Store.Driver)

	// Re-seat the default logger with the persistent tee now that the
	// system_logs table is reachable.
	level := cfg.Bot.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	tee := logstore.NewHandler(buildHandler(level, *logFormat), st.Table(store.TableSystemLogs), slog.LevelInfo)
	defer tee.Close()
	slog.SetDefault(slog.New(tee))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bot.New(ctx, cfg, st, slog.Default())
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	slog.Info("bot started")

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	slog.Info("shutting down")
	cancel()
	app.Stop()
	slog.Info("shutdown complete")
}

func buildHandler(level, format string) slog.Handler {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}
