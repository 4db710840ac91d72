package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/routetunnel/internal/client"
)

func main() {
	configPath := flag.String("config", "configs/client.yaml", "path to client configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	c, err := client.New(cfg)
	if err != nil {
		slog.Error("failed to create client", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("tunnel client starting")
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("tunnel client exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("tunnel client stopped")
}
