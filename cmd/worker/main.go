package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/delivery-engine/internal/app"
	"github.com/ignite/delivery-engine/internal/config"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	app.ConfigureLogging(cfg.Logging)

	if cfg.Database.URL == "" {
		// An in-memory queue is private to this process, so a standalone
		// drainer would have nothing to drain.
		logger.Error("DATABASE_URL is required for the standalone worker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize delivery engine", "error", err.Error())
		os.Exit(1)
	}
	defer a.Close()

	a.Runner.Start(ctx)
	logger.Info("delivery worker running", "interval", cfg.Delivery.DrainInterval().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	a.Runner.Stop(shutdownCtx)
	cancel()

	logger.Info("delivery worker stopped")
}
