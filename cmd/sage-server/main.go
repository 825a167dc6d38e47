package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	_ "go.uber.org/automaxprocs"

	"github.com/kagent-dev/sage/internal/app"
	"github.com/kagent-dev/sage/internal/config"
	"github.com/kagent-dev/sage/internal/logging"
	"github.com/kagent-dev/sage/internal/server"
	"github.com/kagent-dev/sage/internal/telemetry"
)

const (
	defaultConfigPath = "config/sage.yaml"
)

func main() {
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfiguration(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, flush, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		JSONConsole: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	if err := run(cfg, log); err != nil {
		log.Error(err, "Server exited")
		flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logr.Logger) error {
	ctx, cancel := context.WithCancel(logr.NewContext(context.Background(), log))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     app.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error(err, "Failed to flush traces")
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error(err, "Failed to close application")
		}
	}()

	httpServer := server.New(server.Options{
		Sessions: a.Sessions,
		Tools:    a.Dispatcher,
		Events:   a.Bus,
		Gatherer: a.Registry,
		Logger:   log,
	}).HTTPServer(cfg.Address())

	log.Info("Starting sage server",
		"address", httpServer.Addr,
		"cache", cfg.Cache.Driver,
		"provider", cfg.Oracle.Provider,
		"maxConcurrentSessions", cfg.Executor.MaxConcurrentSessions)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		log.Info("Shutdown signal received, gracefully stopping")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "HTTP server shutdown error")
	}

	log.Info("Shutdown complete")
	return nil
}

func loadConfiguration(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found at %s, using defaults\n", configPath)
		if err := config.SaveConfig(config.DefaultConfig(), configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save default config: %v\n", err)
			configPath = ""
		} else {
			fmt.Fprintf(os.Stderr, "Default configuration saved to %s\n", configPath)
		}
	}
	return config.Load(configPath, config.NewViper())
}
