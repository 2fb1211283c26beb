package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bittucreator/unosend-sub001/internal/app"
	"github.com/bittucreator/unosend-sub001/internal/config"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// The worker runs the background half of the engine without the HTTP
// surface: broadcast dispatch, stale-broadcast recovery, the scheduler and
// the SQS callback consumer. Run it alongside servers started with
// --workers=false.
func main() {
	configPath := flag.String("config", "config/engine.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.RedactPII)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	engine.StartBackground(ctx)
	logger.Info("worker running", "broadcast_workers", cfg.Broadcast.Workers,
		"callbacks", cfg.Callbacks.SQSQueueURL != "")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
	engine.StopBackground()
	logger.Info("worker stopped")
}
