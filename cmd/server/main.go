package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/routetunnel/internal/server"
	"github.com/routetunnel/internal/store"
	"github.com/routetunnel/internal/tunnel"
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := tunnel.NewRegistry(st, cfg.PingInterval)

	// re-seed the registry from persisted routes so tokens survive restarts
	recs, err := st.ListActive(context.Background())
	if err != nil {
		slog.Error("failed to load persisted routes", "err", err)
		os.Exit(1)
	}
	for _, rec := range recs {
		registry.RestoreRoute(rec.Route, rec.Token, rec.Description, rec.CreatedAt)
	}
	slog.Info("routes restored", "count", len(recs))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg, registry, st)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
