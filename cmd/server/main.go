package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"roster-service/common/logger"
	"roster-service/internal/app"
	"roster-service/internal/config"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	slogLogger := logger.NewWithServiceContext(app.ServiceName, app.Version, logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	// Set as default logger so slog.Info() uses the same handler
	slog.SetDefault(slogLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, slogLogger)
	if err != nil {
		slogLogger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		slogLogger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}

	slogLogger.Info("server exited gracefully")
}
