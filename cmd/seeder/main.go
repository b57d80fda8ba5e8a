//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/unclebandit/followup/internal/app"
	"github.com/unclebandit/followup/internal/config"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/seed"
)

func main() {
	path := flag.String("file", "seed/followup.yaml", "seed file to apply")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	f, err := seed.Load(*path)
	if err != nil {
		log.Error("failed to read seed file", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	res, err := seed.Apply(ctx, f, seed.Services{Clients: a.Clients, Templates: a.Templates, Rules: a.Rules}, log)
	if err != nil {
		log.Error("seeding failed", slog.Any("error", err))
		a.Close()
		os.Exit(1)
	}
	log.Info("database seeding completed", slog.String("file", *path),
		slog.Int("created", res.Created), slog.Int("updated", res.Updated))
}
