package backfill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/retry"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

var hour0 = time.Date(2024, 8, 4, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// history is an export in the legacy column layout, with one repeated key.
const history = "\ufeffdatetime,location_id,lat,lon,temperature_2m,pm2_5_cams\n" +
	"2024-08-04 00:00:00,S1,21.0285,105.8542,30.5,10\n" +
	"2024-08-04 01:00:00,S1,21.0285,105.8542,,11\n" +
	"2024-08-04 00:00:00,S2,10.7769,106.7009,31,20\n" +
	"2024-08-04 00:00:00,S1,21.0285,105.8542,99,99\n"

func writeHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, os.WriteFile(path, []byte(history), 0600))
	return path
}

func newSQLiteSink(t *testing.T) *store.SQLiteSink {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := store.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db, "sqlite"))
	require.NoError(t, db.Close())

	s, err := store.NewSQLiteSink(ctx, path, store.UpsertOptions{
		Policy: ingest.FirstWriteWins,
		Retry:  retry.Policy{MaxAttempts: 1},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoad_SQLiteRerunInsertsNothing(t *testing.T) {
	ctx := context.Background()
	rows, err := store.ReadCSV(writeHistory(t), ingest.DefaultSchema())
	require.NoError(t, err)
	require.Len(t, rows, 4)

	sink := newSQLiteSink(t)
	bf := New(sink, Options{ChunkSize: 2, Logger: quietLogger()})

	first, err := bf.Load(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, Result{Rows: 3, Duplicates: 1, Chunks: 2, Inserted: 3}, first)

	second, err := bf.Load(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Chunks)

	st, err := sink.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Rows)
	assert.True(t, st.Oldest.Equal(hour0))
	assert.True(t, st.Newest.Equal(hour0.Add(time.Hour)))

	var pm25 float64
	err = sink.DB().QueryRowContext(ctx,
		`SELECT pm2_5_cams FROM air_quality_forecast_data WHERE station_id = 'S1' AND timestamp = ?`,
		hour0.Format(time.RFC3339)).Scan(&pm25)
	require.NoError(t, err)
	assert.Equal(t, 10.0, pm25, "first occurrence in the file wins")
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("timestamp,station_id,pm2_5_cams\n2024-08-04 00:00:00,S1,abc\n"), 0600))

	_, err := store.ReadCSV(path, ingest.DefaultSchema())
	var parseErr *ingest.MergeParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
}

func TestReadCSV_MissingFile(t *testing.T) {
	_, err := store.ReadCSV(filepath.Join(t.TempDir(), "absent.csv"), ingest.DefaultSchema())
	require.ErrorIs(t, err, os.ErrNotExist)
}

type recordingWriter struct {
	batches []ingest.Batch
	failAt  int // 1-based batch number that fails; 0 never fails
}

func (w *recordingWriter) Write(_ context.Context, batch ingest.Batch) (store.WriteResult, error) {
	w.batches = append(w.batches, batch)
	if len(w.batches) == w.failAt {
		return store.WriteResult{}, &ingest.StageError{Stage: ingest.StageMerge, Rows: len(batch), Err: errors.New("deadlock detected")}
	}
	return store.WriteResult{Inserted: len(batch)}, nil
}

func row(station string, hour int) ingest.Row {
	return ingest.Row{
		StationID:  station,
		Timestamp:  hour0.Add(time.Duration(hour) * time.Hour),
		AirQuality: map[string]float64{"pm2_5": float64(hour)},
	}
}

func TestLoad_ChunksInKeyOrder(t *testing.T) {
	w := &recordingWriter{}
	bf := New(w, Options{ChunkSize: 2, Logger: quietLogger()})

	res, err := bf.Load(context.Background(), []ingest.Row{row("S2", 0), row("S1", 1), row("S1", 0)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	require.Len(t, w.batches, 2)
	assert.Equal(t, []ingest.Row{row("S1", 0), row("S1", 1)}, []ingest.Row(w.batches[0]))
	assert.Equal(t, []ingest.Row{row("S2", 0)}, []ingest.Row(w.batches[1]))
}

func TestLoad_StopsAtFailedChunk(t *testing.T) {
	w := &recordingWriter{failAt: 2}
	bf := New(w, Options{ChunkSize: 1, Logger: quietLogger()})

	res, err := bf.Load(context.Background(), []ingest.Row{row("S1", 0), row("S1", 1), row("S1", 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing chunk 2/3")
	assert.True(t, ingest.Retryable(err))
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 1, res.Inserted)
	assert.Len(t, w.batches, 2)
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &recordingWriter{}
	_, err := New(w, Options{Logger: quietLogger()}).Load(ctx, []ingest.Row{row("S1", 0)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, w.batches)
}
