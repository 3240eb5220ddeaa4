package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mealmesh/mealmesh/internal/auth"
	"github.com/mealmesh/mealmesh/internal/server"
	"github.com/mealmesh/mealmesh/internal/store"
	"github.com/mealmesh/mealmesh/pkg/config"
	"github.com/mealmesh/mealmesh/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, "json")

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orders, cleanup, err := buildStore(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to initialize order store", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	verifier := auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)

	app := server.NewApp(logger, ctx, cfg, orders, verifier)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully.")
}

func buildStore(ctx context.Context, logger *slog.Logger, cfg *config.Config) (store.OrderStore, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.ConnectPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("order store ready", slog.String("driver", "postgres"))
		return pg, pg.Close, nil
	default:
		logger.Info("order store ready", slog.String("driver", "memory"))
		return store.NewMemoryStore(), func() {}, nil
	}
}
