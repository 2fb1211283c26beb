package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/api"
	"github.com/bittucreator/unosend-sub001/internal/app"
	"github.com/bittucreator/unosend-sub001/internal/config"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	ln.Close()
	return nil
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "config/engine.yaml", "path to the YAML config file")
	withWorkers := flag.Bool("workers", true, "run the dispatcher, recovery, scheduler and callback consumer in-process")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.RedactPII)
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}
	logger.Info("starting delivery engine", "addr", cfg.Server.Addr(), "workers", *withWorkers)

	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		fatal("cannot bind", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		fatal("failed to initialize", err)
	}
	defer engine.Close()

	deps, err := engine.APIDeps()
	if err != nil {
		fatal("failed to build api", err)
	}
	server := api.NewServer(cfg.Server, deps)

	if *withWorkers {
		engine.StartBackground(ctx)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	engine.StopBackground()
	cancel()
	logger.Info("server stopped")
}
