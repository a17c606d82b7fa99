package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

// DefaultTable is the relational target created by the bundled migrations.
const DefaultTable = "air_quality_forecast_data"

// Sink persists a batch so that repeated writes of overlapping batches
// converge to one row per (station_id, timestamp).
// The file, SQLite and PostgreSQL implementations satisfy this interface.
type Sink interface {
	// Write merges batch into the sink.
	Write(ctx context.Context, batch ingest.Batch) (WriteResult, error)

	// Stats reports the size and freshness of the stored data.
	Stats(ctx context.Context) (Stats, error)

	// Driver names the backend ("file", "sqlite" or "postgres").
	Driver() string

	// Close releases the sink's resources.
	Close() error
}

// WriteResult describes the effect of one Write.
type WriteResult struct {
	Inserted int // keys that did not exist before
	Updated  int // existing keys rewritten under last-write-wins
	Attempts int // merge attempts, relational sinks only
}

// Stats summarises a sink's contents.
type Stats struct {
	Rows   int
	Oldest time.Time
	Newest time.Time
}

//go:embed migrations/*.sql
var migrations embed.FS

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// Migrate creates the target schema on db. driver is "sqlite" or "postgres".
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	fsys, dir, dialect, err := migrationSource(driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version, or 0 for a fresh
// database. A database without a version table is left unmodified.
func MigrationVersion(ctx context.Context, db *sql.DB, driver string) (int64, error) {
	_, _, dialect, err := migrationSource(driver)
	if err != nil {
		return 0, err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return 0, fmt.Errorf("setting goose dialect: %w", err)
	}
	if !versionTableExists(ctx, db) {
		return 0, nil
	}
	v, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// PendingMigrations lists the embedded migrations not yet applied to db.
func PendingMigrations(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	current, err := MigrationVersion(ctx, db, driver)
	if err != nil {
		return nil, err
	}
	fsys, dir, _, err := migrationSource(driver)
	if err != nil {
		return nil, err
	}
	goose.SetBaseFS(fsys)
	ms, err := goose.CollectMigrations(dir, current, goose.MaxVersion)
	if errors.Is(err, goose.ErrNoMigrationFiles) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collecting migrations: %w", err)
	}
	pending := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.Version > current {
			pending = append(pending, filepath.Base(m.Source))
		}
	}
	return pending, nil
}

func versionTableExists(ctx context.Context, db *sql.DB) bool {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE 1 = 0`, goose.TableName()))
	if err != nil {
		return false
	}
	_ = rows.Close()
	return true
}

func migrationSource(driver string) (embed.FS, string, string, error) {
	switch driver {
	case "sqlite":
		return migrations, "migrations", "sqlite3", nil
	case "postgres":
		return pgMigrations, "pgmigrations", "postgres", nil
	default:
		return embed.FS{}, "", "", fmt.Errorf("unknown storage driver: %s", driver)
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// quoteIdent validates and double-quotes an SQL identifier. Table and column
// names come from configuration, so anything outside [A-Za-z0-9_] is refused.
func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// parseTimestamp handles both time.Time and string timestamp values from SQLite.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05-07:00",
			"2006-01-02 15:04:05+00:00",
			"2006-01-02 15:04:05 -0700 MST",
			"2006-01-02 15:04:05",
			"2006-01-02 15:04",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
}
