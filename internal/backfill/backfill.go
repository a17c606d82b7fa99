// Package backfill loads historical rows from a CSV export into a sink.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

// DefaultChunkSize is the number of rows written per staged upsert.
const DefaultChunkSize = 10000

// Writer is the write path of a sink.
type Writer interface {
	Write(ctx context.Context, batch ingest.Batch) (store.WriteResult, error)
}

// Result summarises a backfill.
type Result struct {
	Rows       int `json:"rows"`       // distinct keys read from the file
	Duplicates int `json:"duplicates"` // rows sharing a key with an earlier row in the file
	Chunks     int `json:"chunks"`     // chunks written successfully
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
}

// Options configures a Backfiller.
type Options struct {
	ChunkSize int
	// Policy picks the surviving row when the file repeats a key.
	Policy ingest.Policy
	Logger *slog.Logger
}

// Backfiller writes historical rows in chunks so that a failure part way
// through loses at most one chunk and a re-run converges.
type Backfiller struct {
	w         Writer
	chunkSize int
	policy    ingest.Policy
	logger    *slog.Logger
}

// New creates a Backfiller writing to w.
func New(w Writer, opts Options) *Backfiller {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = DefaultChunkSize
	}
	if !opts.Policy.Valid() {
		opts.Policy = ingest.FirstWriteWins
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Backfiller{w: w, chunkSize: opts.ChunkSize, policy: opts.Policy, logger: opts.Logger}
}

// Load deduplicates rows on (station_id, timestamp), sorts them and writes
// them chunk by chunk. On failure the returned Result covers the chunks
// written before it.
func (b *Backfiller) Load(ctx context.Context, rows []ingest.Row) (Result, error) {
	unique := ingest.Dedupe(rows, b.policy)
	ingest.SortRows(unique)

	res := Result{Rows: len(unique), Duplicates: len(rows) - len(unique)}
	totalChunks := (len(unique) + b.chunkSize - 1) / b.chunkSize
	start := time.Now()

	for i := 0; i < len(unique); i += b.chunkSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(i+b.chunkSize, len(unique))
		chunk := ingest.Batch(unique[i:end])

		wr, err := b.w.Write(ctx, chunk)
		if err != nil {
			return res, fmt.Errorf("writing chunk %d/%d: %w", res.Chunks+1, totalChunks, err)
		}
		res.Chunks++
		res.Inserted += wr.Inserted
		res.Updated += wr.Updated

		b.logger.Info("backfill chunk complete",
			"chunk", res.Chunks,
			"total_chunks", totalChunks,
			"rows", len(chunk),
			"inserted", wr.Inserted,
			"from", chunk[0].Timestamp.UTC().Format(time.RFC3339),
			"station_id", chunk[0].StationID,
		)
	}

	b.logger.Info("backfill complete",
		"rows", res.Rows,
		"duplicates", res.Duplicates,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}
