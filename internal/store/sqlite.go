package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

// SQLiteSink implements Sink backed by a SQLite database file.
type SQLiteSink struct {
	db       *sql.DB
	path     string
	upserter *Upserter
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// connection pragmas. It does not create the target schema; see Migrate.
func OpenSQLite(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Set file permissions to 0600.
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// NewSQLiteSink opens the database at path and verifies the target table.
func NewSQLiteSink(ctx context.Context, path string, opts UpsertOptions) (*SQLiteSink, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	u, err := NewUpserter(db, sqliteDialect{}, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := u.checkTarget(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db, path: path, upserter: u}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLiteSink) Path() string { return s.path }

func (s *SQLiteSink) Driver() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, batch ingest.Batch) (WriteResult, error) {
	return s.upserter.Upsert(ctx, batch)
}

func (s *SQLiteSink) Stats(ctx context.Context) (Stats, error) {
	return s.upserter.stats(ctx)
}

// CleanupFailures returns the number of staging tables left behind.
func (s *SQLiteSink) CleanupFailures() int64 { return s.upserter.CleanupFailures() }

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) CreateStagingSQL(staging, target string) string {
	return fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s WHERE 0`, staging, target)
}

func (d sqliteDialect) Load(ctx context.Context, db *sql.DB, createSQL, staging string, cols []string, rows [][]any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("creating staging table: %w", err)
	}
	if err := insertRowsTx(ctx, tx, staging, cols, rows, func(int) string { return "?" }); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// TimestampArg stores keys as RFC 3339 UTC text so equal instants compare
// equal as strings.
func (sqliteDialect) TimestampArg(t time.Time) any {
	return t.UTC().Format(time.RFC3339)
}

func (sqliteDialect) IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
