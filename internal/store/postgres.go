package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

// Postgres SQLSTATE codes treated as contention.
var transientSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
}

// PostgresSink implements Sink backed by PostgreSQL.
type PostgresSink struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	upserter *Upserter
}

// OpenPostgres creates a connection pool for dsn and pings it. maxConns
// bounds the pool when positive.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, *sql.DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, stdlib.OpenDBFromPool(pool), nil
}

// NewPostgresSink connects to dsn and verifies the target table.
func NewPostgresSink(ctx context.Context, dsn string, maxConns int32, opts UpsertOptions) (*PostgresSink, error) {
	pool, db, err := OpenPostgres(ctx, dsn, maxConns)
	if err != nil {
		return nil, err
	}
	s := &PostgresSink{pool: pool, db: db}
	s.upserter, err = NewUpserter(db, postgresDialect{}, opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.upserter.checkTarget(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database connection for migration commands.
func (s *PostgresSink) DB() *sql.DB { return s.db }

func (s *PostgresSink) Driver() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, batch ingest.Batch) (WriteResult, error) {
	return s.upserter.Upsert(ctx, batch)
}

func (s *PostgresSink) Stats(ctx context.Context) (Stats, error) {
	return s.upserter.stats(ctx)
}

// CleanupFailures returns the number of staging tables left behind.
func (s *PostgresSink) CleanupFailures() int64 { return s.upserter.CleanupFailures() }

func (s *PostgresSink) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// CreateStagingSQL copies column types and defaults but not indexes, so the
// staging table accepts a batch that repeats keys.
func (postgresDialect) CreateStagingSQL(staging, target string) string {
	return fmt.Sprintf(`CREATE UNLOGGED TABLE %s (LIKE %s INCLUDING DEFAULTS)`, staging, target)
}

// Load creates staging and fills it with COPY inside one pgx transaction.
func (postgresDialect) Load(ctx context.Context, db *sql.DB, createSQL, staging string, cols []string, rows [][]any) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	return conn.Raw(func(driverConn any) error {
		pc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		tx, err := pc.Conn().Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return fmt.Errorf("creating staging table: %w", err)
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, cols, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copying staging rows: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("copied %d of %d staging rows", n, len(rows))
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

func (postgresDialect) TimestampArg(t time.Time) any { return t.UTC() }

func (postgresDialect) IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}
	// The request never reached the server.
	return pgconn.SafeToRetry(err)
}
