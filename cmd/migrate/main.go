package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"PredictLedger/internal/config"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
	"PredictLedger/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list the embedded migrations")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PREDICT_CONFIG          - optional TOML config file")
	fmt.Println("  PREDICT_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  PREDICT_MIGRATIONS_DIR  - read migrations from disk instead of the binary")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	log := observability.NewLogger("migrate")

	cfg, err := config.Load(os.Getenv("PREDICT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var files fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}

	if os.Args[1] == "status" {
		names, err := persistence.ListMigrations(files, ".up.sql")
		if err != nil {
			log.Fatal().Err(err).Msg("list migrations")
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
