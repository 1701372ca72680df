// Command rustflix runs the streaming and transcoding engine: it loads
// configuration, opens the history database, and serves the HTTP API until
// interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/config"
	"github.com/onelrian/rustflix/internal/database"
	"github.com/onelrian/rustflix/internal/events"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule"
	"github.com/onelrian/rustflix/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "rustflix.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "rustflix",
		Level:      hclog.LevelFromString(*logLevel),
		JSONFormat: os.Getenv("RUSTFLIX_LOG_JSON") == "true",
	})

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger hclog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "path", configPath,
		"pool_size", cfg.PoolSize(), "queue_size", cfg.QueueCapacity())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history *database.HistoryStore
	if cfg.Database.Path != "" {
		db, err := database.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		history = database.NewHistoryStore(db, logger)
	} else {
		logger.Warn("no database path configured, running without history")
	}

	bus := events.NewBus(events.Config{
		BufferSize:       cfg.Events.BufferSize,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	}, logger)
	bus.Start(ctx)
	defer bus.Stop()

	manager := streamingmodule.NewManager(cfg, bus, history, logger)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	// Config edits are surfaced so operators notice; handed-out pool and
	// queue sizes still require a restart to change.
	watcher := config.NewWatcher(configPath, logger, func(*config.Config) {
		logger.Warn("configuration file changed, restart to apply")
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		}
	}()

	srv := server.New(cfg.Server, manager, bus, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	bus.Publish(events.Event{Type: events.EventSystemStarted, Source: "main"})

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	bus.Publish(events.Event{Type: events.EventSystemStopped, Source: "main"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
