package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleetcore-io/fleetcore/internal/api/rest"
	"github.com/fleetcore-io/fleetcore/internal/api/websocket"
	"github.com/fleetcore-io/fleetcore/internal/auth"
	"github.com/fleetcore-io/fleetcore/internal/config"
	"github.com/fleetcore-io/fleetcore/internal/storage"
	"github.com/fleetcore-io/fleetcore/internal/system"
)

const journalConnectTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "config file path (empty: defaults plus FLEET_ environment variables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("listen", cfg.Server.Addr()),
		zap.String("plugin_dir", cfg.Plugins.Directory),
		zap.Bool("journal", cfg.Journal.Enabled))

	// The journal is optional; without it the server only loses event
	// history.
	var journal *storage.Client
	if cfg.Journal.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), journalConnectTimeout)
		journal, err = storage.New(ctx, cfg.Journal)
		if err != nil {
			cancel()
			logger.Fatal("failed to connect journal database", zap.Error(err))
		}
		if err := journal.EnsureSchema(ctx); err != nil {
			cancel()
			logger.Fatal("failed to prepare journal schema", zap.Error(err))
		}
		cancel()
		defer journal.Close()

		logger.Info("event journal connected",
			zap.String("host", cfg.Journal.Host),
			zap.String("database", cfg.Journal.Database))
	}

	authService, err := auth.NewService(cfg.Auth, logger)
	if err != nil {
		logger.Fatal("failed to create auth service", zap.Error(err))
	}

	hub := websocket.NewHub(logger, authService)

	core, err := system.NewManager(cfg, hub, system.Options{Journal: journal}, logger)
	if err != nil {
		logger.Fatal("failed to assemble core", zap.Error(err))
	}

	if err := core.Start(context.Background()); err != nil {
		logger.Fatal("failed to start core", zap.Error(err))
	}

	api := rest.NewServer(cfg, core, authService, hub, logger)
	if err := api.Start(); err != nil {
		logger.Fatal("failed to start rest api", zap.Error(err))
	}

	logger.Info("fleetcore started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(ctx); err != nil {
		logger.Error("rest shutdown failed", zap.Error(err))
	}
	if err := core.Shutdown(ctx); err != nil {
		logger.Error("core shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("fleetcore stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
