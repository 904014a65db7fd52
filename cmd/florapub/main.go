// florapub is a small federated microblogging node. It speaks
// ActivityPub server-to-server, runs as a single binary with SQLite by
// default and scales up to PostgreSQL for larger deployments.
//
// Usage:
//
//	export HOSTNAME=social.example.com
//	export DATABASE_URL=florapub.db
//	./florapub
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
	"github.com/florapub/florapub/internal/fed"
	"github.com/florapub/florapub/internal/server"
)

func main() {
	// Structured JSON logging by default, level from LOG_LEVEL.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting florapub", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"hostname", cfg.Hostname,
		"database", cfg.DatabaseURL,
		"workers", cfg.DeliveryWorkers,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Federation engine ────────────────────────────────────────────────────
	engine, err := fed.New(ctx, cfg, store)
	if err != nil {
		slog.Error("failed to build federation engine", "error", err)
		os.Exit(1)
	}
	slog.Info("federation engine ready")

	// ─── Delivery workers ─────────────────────────────────────────────────────
	go engine.Queue.Run(ctx)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, engine)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("florapub stopped")
}
