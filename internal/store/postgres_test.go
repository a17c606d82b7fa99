package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

func newTestPostgresSink(t *testing.T, policy ingest.Policy) *PostgresSink {
	t.Helper()
	dsn := os.Getenv("AQINGEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AQINGEST_TEST_POSTGRES_DSN not set; skipping postgres tests")
	}
	ctx := context.Background()

	pool, db, err := OpenPostgres(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	if err := Migrate(ctx, db, "postgres"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Clean tables before each test.
	if _, err := db.ExecContext(ctx, "DELETE FROM air_quality_forecast_data"); err != nil {
		t.Fatalf("cleaning table: %v", err)
	}
	_ = db.Close()
	pool.Close()

	s, err := NewPostgresSink(ctx, dsn, 4, testUpsertOptions(policy))
	if err != nil {
		t.Fatalf("NewPostgresSink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pgStagingTables(t *testing.T, s *PostgresSink) int {
	t.Helper()
	var n int
	err := s.DB().QueryRow(`SELECT COUNT(*) FROM pg_tables WHERE tablename LIKE 'staging\_%'`).Scan(&n)
	if err != nil {
		t.Fatalf("listing tables: %v", err)
	}
	return n
}

func TestPostgresSink_Idempotent(t *testing.T) {
	s := newTestPostgresSink(t, ingest.FirstWriteWins)
	ctx := context.Background()
	batch := ingest.Batch{makeRow("S1", 0, 10), makeRow("S1", 1, 11), makeRow("S2", 0, 12)}

	res, err := s.Write(ctx, batch)
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if res.Inserted != 3 {
		t.Errorf("first Write inserted %d, want 3", res.Inserted)
	}
	res, err = s.Write(ctx, batch)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if res.Inserted != 0 {
		t.Errorf("second Write inserted %d, want 0", res.Inserted)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Rows != 3 || !st.Oldest.Equal(hour0) {
		t.Errorf("Stats = %+v", st)
	}
	if n := pgStagingTables(t, s); n != 0 {
		t.Errorf("%d staging tables left behind", n)
	}
}

func TestPostgresSink_LastWriteWins(t *testing.T) {
	s := newTestPostgresSink(t, ingest.LastWriteWins)
	ctx := context.Background()

	if _, err := s.Write(ctx, ingest.Batch{makeRow("S1", 0, 10)}); err != nil {
		t.Fatal(err)
	}
	res, err := s.Write(ctx, ingest.Batch{makeRow("S1", 0, 12), makeRow("S1", 1, 11)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Updated != 1 {
		t.Errorf("Write = %+v, want 1 inserted and 1 updated", res)
	}

	var v float64
	err = s.DB().QueryRow(`SELECT pm2_5_cams FROM air_quality_forecast_data WHERE station_id = $1 AND timestamp = $2`, "S1", hour0).Scan(&v)
	if err != nil {
		t.Fatal(err)
	}
	if v != 12 {
		t.Errorf("pm2_5 = %v, want 12", v)
	}
}

func TestPostgresSink_ConcurrentOverlappingWriters(t *testing.T) {
	s := newTestPostgresSink(t, ingest.FirstWriteWins)
	ctx := context.Background()

	var batches []ingest.Batch
	for w := 0; w < 4; w++ {
		var b ingest.Batch
		for h := w; h < w+24; h++ {
			b = append(b, makeRow(fmt.Sprintf("S%d", h%3), h, float64(w)))
		}
		batches = append(batches, b)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(batches))
	for i, b := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Write(ctx, b)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("writer %d: %v", i, err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Hours 0..26 with one station per hour.
	if st.Rows != 27 {
		t.Errorf("rows = %d, want 27", st.Rows)
	}
	if n := pgStagingTables(t, s); n != 0 {
		t.Errorf("%d staging tables left behind", n)
	}
}

func TestPostgresDialect_IsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", fmt.Errorf("merge: %w", &pgconn.PgError{Code: "40001"}), true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (postgresDialect{}).IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostgresDialect_SQL(t *testing.T) {
	got := (postgresDialect{}).CreateStagingSQL(`"staging_t_abc"`, `"t"`)
	want := `CREATE UNLOGGED TABLE "staging_t_abc" (LIKE "t" INCLUDING DEFAULTS)`
	if got != want {
		t.Errorf("CreateStagingSQL = %s, want %s", got, want)
	}
}
