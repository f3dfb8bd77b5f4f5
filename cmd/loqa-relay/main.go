// Command loqa-relay serves only the speech, reply and transcription relay,
// for deployments where sessions run elsewhere.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
)

func main() {
	configPath := flag.String("config", "loqa-voice.yaml", "Path to configuration file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	_ = level.UnmarshalText([]byte(cfg.Telemetry.LogLevel))
	cfg.Relay.Enabled = true
	if cfg, err = config.Normalize(cfg); err != nil {
		logger.Error("invalid relay config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := runtime.NewRelay(ctx, cfg.Relay, logger)
	if err != nil {
		logger.Error("failed to build relay", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()
	srv.Close()
	logger.Info("shutdown complete")
}
