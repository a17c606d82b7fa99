package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/retry"
)

const defaultCleanupTimeout = 30 * time.Second

var errStepTimeout = errors.New("merge step timed out")

// Dialect isolates the backend-specific parts of a staged upsert.
type Dialect interface {
	// Name is the driver name ("sqlite" or "postgres").
	Name() string

	// CreateStagingSQL returns DDL creating staging with the columns of
	// target but none of its constraints. Both names are already quoted.
	CreateStagingSQL(staging, target string) string

	// Load creates the staging table and writes rows into it inside a single
	// transaction: on error nothing is visible.
	Load(ctx context.Context, db *sql.DB, createSQL, staging string, cols []string, rows [][]any) error

	// TimestampArg converts a key timestamp to the value bound for the driver.
	TimestampArg(t time.Time) any

	// IsTransient reports whether err is lock or serialization contention
	// that may clear on its own.
	IsTransient(err error) bool
}

// UpsertOptions configures an Upserter.
type UpsertOptions struct {
	Table  string
	Schema ingest.Schema
	Policy ingest.Policy
	// Retry governs the merge step. Its Retryable field is replaced by the
	// dialect's contention classification.
	Retry          retry.Policy
	StepTimeout    time.Duration
	CleanupTimeout time.Duration
	Logger         *slog.Logger
	// OnCleanupError is called when a staging table could not be dropped.
	OnCleanupError func(staging string, err error)
}

// Upserter writes batches into a relational target through a uniquely named
// staging table:
//
//  1. create staging and load every row in one transaction;
//  2. insert staging rows whose key is absent from target, retrying on
//     contention (preceded by an update of existing keys under
//     last-write-wins);
//  3. drop staging on every exit path.
type Upserter struct {
	db      *sql.DB
	dialect Dialect
	opts    UpsertOptions

	target  string // quoted
	cols    []string
	quoted  []string
	newName func() string

	cleanupFailures atomic.Int64
}

// NewUpserter validates names and returns an Upserter. It does not touch the
// database; the target table is expected to exist.
func NewUpserter(db *sql.DB, d Dialect, opts UpsertOptions) (*Upserter, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if len(opts.Schema.Weather)+len(opts.Schema.AirQuality) == 0 {
		opts.Schema = ingest.DefaultSchema()
	}
	if opts.Policy == "" {
		opts.Policy = ingest.FirstWriteWins
	}
	if !opts.Policy.Valid() {
		return nil, &ingest.ConfigurationError{Field: "sink.conflict_policy", Msg: fmt.Sprintf("unknown policy %q", opts.Policy)}
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.Backoff == nil {
		opts.Retry.Backoff = retry.Exponential(time.Second, 30*time.Second, time.Second)
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	target, err := quoteIdent(opts.Table)
	if err != nil {
		return nil, &ingest.ConfigurationError{Field: "sink.table", Msg: err.Error()}
	}
	u := &Upserter{
		db:      db,
		dialect: d,
		opts:    opts,
		target:  target,
		cols:    opts.Schema.Columns(),
	}
	for _, c := range u.cols {
		q, err := quoteIdent(c)
		if err != nil {
			return nil, &ingest.ConfigurationError{Field: "fetch.variables", Msg: err.Error()}
		}
		u.quoted = append(u.quoted, q)
	}
	u.newName = func() string {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		name := "staging_" + opts.Table + "_" + id[:12]
		if len(name) > 63 {
			name = "staging_" + id[:12]
		}
		return name
	}
	return u, nil
}

// CleanupFailures returns the number of staging tables that could not be dropped.
func (u *Upserter) CleanupFailures() int64 { return u.cleanupFailures.Load() }

// Upsert stages batch and merges it into the target. Failures are returned
// as *ingest.StageError; exhausted contention retries additionally match
// retry.ErrExhausted.
func (u *Upserter) Upsert(ctx context.Context, batch ingest.Batch) (WriteResult, error) {
	if len(batch) == 0 {
		return WriteResult{}, nil
	}
	rows := ingest.Dedupe(batch, u.opts.Policy)

	stagingName := u.newName()
	staging, err := quoteIdent(stagingName)
	if err != nil {
		return WriteResult{}, &ingest.StageError{Stage: ingest.StageStaging, Rows: len(rows), Err: err}
	}
	logger := u.opts.Logger.With("driver", u.dialect.Name(), "staging_table", stagingName, "rows", len(rows))

	defer u.dropStaging(ctx, stagingName, staging, logger)

	stageCtx, cancel := context.WithTimeout(ctx, u.opts.StepTimeout)
	err = u.dialect.Load(stageCtx, u.db, u.dialect.CreateStagingSQL(staging, u.target), stagingName, u.cols, u.args(rows))
	cancel()
	if err != nil {
		return WriteResult{}, &ingest.StageError{Stage: ingest.StageStaging, Rows: len(rows), Err: fmt.Errorf("loading staging table: %w", err)}
	}
	logger.Debug("staging table loaded")

	var res WriteResult
	policy := u.opts.Retry
	policy.Retryable = func(err error) bool {
		return errors.Is(err, errStepTimeout) || u.dialect.IsTransient(err)
	}
	prevRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("merge contention, retrying", "attempt", attempt, "delay", delay, "error", err)
		if prevRetry != nil {
			prevRetry(attempt, delay, err)
		}
	}
	err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, u.opts.StepTimeout)
		defer cancel()
		inserted, updated, err := u.merge(attemptCtx, staging)
		if err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w: %w", errStepTimeout, err)
			}
			return err
		}
		res.Inserted, res.Updated = inserted, updated
		return nil
	})
	if err != nil {
		return res, &ingest.StageError{Stage: ingest.StageMerge, Rows: len(rows), Err: err}
	}

	logger.Info("upsert complete", "inserted", res.Inserted, "updated", res.Updated, "attempt", res.Attempts)
	return res, nil
}

// merge runs the conflict-tolerant insert, preceded by an update of existing
// keys under last-write-wins, in one transaction.
func (u *Upserter) merge(ctx context.Context, staging string) (inserted, updated int, err error) {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if u.opts.Policy == ingest.LastWriteWins {
		r, err := tx.ExecContext(ctx, u.updateSQL(staging))
		if err != nil {
			return 0, 0, fmt.Errorf("updating existing rows: %w", err)
		}
		n, _ := r.RowsAffected()
		updated = int(n)
	}

	r, err := tx.ExecContext(ctx, u.insertSQL(staging))
	if err != nil {
		return 0, 0, fmt.Errorf("inserting new rows: %w", err)
	}
	n, _ := r.RowsAffected()
	inserted = int(n)

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing transaction: %w", err)
	}
	return inserted, updated, nil
}

func (u *Upserter) insertSQL(staging string) string {
	cols := strings.Join(u.quoted, ", ")
	// WHERE true keeps SQLite from parsing ON CONFLICT as a join constraint.
	return fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s WHERE true ON CONFLICT (%s, %s) DO NOTHING`,
		u.target, cols, cols, staging, u.quoted[1], u.quoted[0])
}

func (u *Upserter) updateSQL(staging string) string {
	sets := make([]string, 0, len(u.quoted)-2)
	for _, c := range u.quoted[2:] {
		sets = append(sets, fmt.Sprintf("%s = %s.%s", c, staging, c))
	}
	return fmt.Sprintf(`UPDATE %s SET %s FROM %s WHERE %s.%s = %s.%s AND %s.%s = %s.%s`,
		u.target, strings.Join(sets, ", "), staging,
		u.target, u.quoted[1], staging, u.quoted[1],
		u.target, u.quoted[0], staging, u.quoted[0])
}

func (u *Upserter) args(rows []ingest.Row) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		vals := u.opts.Schema.Values(r)
		a := make([]any, 0, 4+len(vals))
		a = append(a, u.dialect.TimestampArg(r.Timestamp), r.StationID, r.Lat, r.Lon)
		for _, v := range vals {
			if v == nil {
				a = append(a, nil)
			} else {
				a = append(a, *v)
			}
		}
		out[i] = a
	}
	return out
}

// dropStaging removes the staging table with a context that survives
// cancellation of the caller. Failures are logged and counted only.
func (u *Upserter) dropStaging(ctx context.Context, name, quoted string, logger *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.opts.CleanupTimeout)
	defer cancel()
	if _, err := u.db.ExecContext(cctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		u.cleanupFailures.Add(1)
		logger.Error("failed to drop staging table", "error", err)
		if u.opts.OnCleanupError != nil {
			u.opts.OnCleanupError(name, err)
		}
		return
	}
	logger.Debug("staging table dropped")
}

// stats reads row count and key range from the target.
func (u *Upserter) stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest any
	err := u.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*), MIN(%s), MAX(%s) FROM %s`,
		u.quoted[0], u.quoted[0], u.target)).Scan(&st.Rows, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("reading table stats: %w", err)
	}
	if oldest == nil || newest == nil {
		return st, nil
	}
	if st.Oldest, err = parseTimestamp(oldest); err != nil {
		return Stats{}, err
	}
	if st.Newest, err = parseTimestamp(newest); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// checkTarget verifies that the target table exists and is readable.
func (u *Upserter) checkTarget(ctx context.Context) error {
	rows, err := u.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE 1 = 0`, strings.Join(u.quoted, ", "), u.target))
	if err != nil {
		return fmt.Errorf("target table %s is missing or lacks expected columns (run migrate): %w", u.opts.Table, err)
	}
	return rows.Close()
}

// insertRowsTx prepares one INSERT and executes it for every row inside tx.
func insertRowsTx(ctx context.Context, tx *sql.Tx, staging string, cols []string, rows [][]any, bind func(int) string) error {
	table, err := quoteIdent(staging)
	if err != nil {
		return err
	}
	quoted := make([]string, len(cols))
	binds := make([]string, len(cols))
	for i, c := range cols {
		q, err := quoteIdent(c)
		if err != nil {
			return err
		}
		quoted[i] = q
		binds[i] = bind(i + 1)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(binds, ", ")))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return fmt.Errorf("inserting staging row: %w", err)
		}
	}
	return nil
}
