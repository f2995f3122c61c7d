package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/pbzweihander/ommrema/internal/config"
	"github.com/pbzweihander/ommrema/internal/database"
)

func main() {
	var (
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 1, "Number of steps to rollback (only for down)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	switch *direction {
	case "up":
		slog.Info("running migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			slog.Error("migration failed", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations completed")
	case "down":
		slog.Info("rolling back migrations", "steps", *steps)
		if err := database.RollbackMigrations(cfg.DatabaseURL, *steps); err != nil {
			slog.Error("rollback failed", "error", err)
			os.Exit(1)
		}
		slog.Info("rollback completed")
	default:
		slog.Error("unknown direction", "direction", *direction)
		os.Exit(2)
	}
}
