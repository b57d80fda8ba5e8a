// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/followup/internal/app"
	"github.com/unclebandit/followup/internal/config"
	"github.com/unclebandit/followup/internal/logger"
)

// The worker process only drains the queue. Run it next to a server with
// DELIVERY_POOL_SIZE tuned per host; with AMQP_URL set it wakes up on every
// enqueue published by the scheduler.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.AMQPURL == "" {
		log.Warn("AMQP_URL not set, relying on polling only",
			slog.Duration("poll_interval", cfg.Delivery.PollInterval))
	}
	return a.Worker.Run(ctx)
}
