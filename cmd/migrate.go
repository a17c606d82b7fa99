package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgkiet/air-quality-weather-meteo/internal/config"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the target table in the configured SQLite or PostgreSQL database",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := checkMigratable(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	db, closeDB, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	if dryRun {
		slog.Info("dry run mode, showing pending migrations")
		return showPendingMigrations(ctx, db, cfg.Sink.Driver)
	}

	if err := store.Migrate(ctx, db, cfg.Sink.Driver); err != nil {
		return err
	}
	version, err := store.MigrationVersion(ctx, db, cfg.Sink.Driver)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "driver", cfg.Sink.Driver, "version", version)
	return nil
}

// checkMigratable rejects configurations the bundled migrations cannot
// serve: they create the default table with the default variable columns.
func checkMigratable(cfg *config.Config) error {
	switch cfg.Sink.Driver {
	case "sqlite", "postgres":
	default:
		return &ingest.ConfigurationError{Field: "sink.driver", Msg: "migrations apply only to the sqlite and postgres sinks"}
	}
	if cfg.Sink.Table != store.DefaultTable {
		return &ingest.ConfigurationError{
			Field: "sink.table",
			Msg:   fmt.Sprintf("bundled migrations create %q; create %q manually", store.DefaultTable, cfg.Sink.Table),
		}
	}
	if !slices.Equal(cfg.Fetch.WeatherVariables, ingest.DefaultWeatherVariables) ||
		!slices.Equal(cfg.Fetch.AirQualityVariables, ingest.DefaultAirQualityVariables) {
		slog.Warn("configured variables differ from the bundled schema; add the missing columns manually")
	}
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, func(), error) {
	switch cfg.Sink.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Sink.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case "postgres":
		pool, db, err := store.OpenPostgres(ctx, cfg.Sink.Postgres.DSN, cfg.Sink.Postgres.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close(); pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink driver: %s", cfg.Sink.Driver)
	}
}

func showPendingMigrations(ctx context.Context, db *sql.DB, driver string) error {
	current, err := store.MigrationVersion(ctx, db, driver)
	if err != nil {
		return err
	}
	pending, err := store.PendingMigrations(ctx, db, driver)
	if err != nil {
		return err
	}

	slog.Info("migration status", "current_version", current, "driver", driver, "pending", len(pending))
	for _, name := range pending {
		fmt.Println(name)
	}
	return nil
}
