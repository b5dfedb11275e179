// Command taskmarketd is the task-marketplace escrow daemon. It loads the
// YAML config, opens the ledger database, rebuilds the in-memory registry,
// and serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/taskmarket/config"
	"github.com/GoCodeAlone/taskmarket/engine"
	"github.com/GoCodeAlone/taskmarket/events"
	"github.com/GoCodeAlone/taskmarket/internal/version"
	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/metrics"
	"github.com/GoCodeAlone/taskmarket/registry"
	"github.com/GoCodeAlone/taskmarket/server"
)

var configPath = flag.String("config", "taskmarket.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting taskmarketd",
		"version", version.Version,
		"commit", version.Commit,
	)

	store, err := ledger.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open ledger %s: %v", cfg.DBPath, err)
	}
	defer store.Close()

	tasks, err := store.LoadTasks()
	if err != nil {
		log.Fatalf("Failed to load tasks: %v", err)
	}
	reg, err := registry.Restore(tasks)
	if err != nil {
		log.Fatalf("Failed to rebuild registry: %v", err)
	}
	logger.Info("registry restored", "tasks", len(tasks))

	cfgStore, err := engine.NewConfigStore(cfg.Economics)
	if err != nil {
		log.Fatalf("Invalid economics: %v", err)
	}
	acl, err := engine.NewAccessControl(cfg.Auth.Owner, cfg.Auth.Backend, engine.NewMemoryBlacklist())
	if err != nil {
		log.Fatalf("Invalid access config: %v", err)
	}
	met, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Logger:   logger,
		Config:   cfgStore,
		Access:   acl,
		Registry: reg,
		Ledger:   store,
		Bus:      events.NewBus(),
		Metrics:  met,
	})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	srv := server.New(*cfg, eng, store, version.Version, logger)
	go func() {
		// A graceful Stop surfaces here as http.ErrServerClosed; only
		// unexpected listener failures are fatal.
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	logger.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
