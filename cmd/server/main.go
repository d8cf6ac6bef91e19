package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/delivery-engine/internal/api"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize delivery engine", "error", err.Error())
		os.Exit(1)
	}
	defer a.Close()

	opts := []api.Option{api.WithDB(a.DB), api.WithRedis(a.Redis)}
	if cfg.Server.RunDrain {
		a.Runner.Start(ctx)
		opts = append(opts, api.WithDrainRunner(a.Runner))
	}
	server := api.NewServer(cfg.Server, a.Engine, opts...)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		logger.Info("starting server", "addr", addr, "drain", cfg.Server.RunDrain)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	a.Runner.Stop(shutdownCtx)
	cancel()

	logger.Info("server stopped")
}
