// Command parley-relay is the WebSocket relay between browser or terminal
// clients and the upstream realtime speech model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	watch := flag.Bool("watch", true, "reload session settings when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Variables already set in the process environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley-relay: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	envOpt := config.WithEnv(os.Getenv)
	cfg, err := config.LoadOrDefault(*configPath, envOpt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-relay: %v\n", err)
		return 1
	}
	_, statErr := os.Stat(*configPath)
	fileFound := statErr == nil

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("parley-relay starting",
		"version", version,
		"config", *configPath,
		"config_file_found", fileFound,
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.Upstream.Model,
		"voice", cfg.Session.Voice,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    app.ServiceName,
		ServiceVersion: version,
		Model:          cfg.Upstream.Model,
		MaxSessions:    cfg.Server.MaxSessions,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{
		app.WithLogger(logger, level),
		app.WithVersion(version),
	}
	if *watch && fileFound {
		opts = append(opts, app.WithConfigWatch(*configPath, config.WithLoaderOptions(envOpt)))
	}
	application, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("relay ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping relay")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}
