package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/umdomby/esplink/internal/server"
	"github.com/umdomby/esplink/pkg/config"
	"github.com/umdomby/esplink/pkg/devicedir"
	"github.com/umdomby/esplink/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	var directory devicedir.Directory
	if cfg.Devices.AllowlistFile != "" {
		directory = devicedir.NewFile(cfg.Devices.AllowlistFile, cfg.Devices.CacheTTL)
	} else {
		directory = devicedir.NewStatic(cfg.Devices.Allowlist)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, directory)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
