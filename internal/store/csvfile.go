package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/merge"
)

const utf8BOM = "\ufeff"

// Header names written by earlier versions of the pipeline.
var legacyHeaders = map[string]string{
	"datetime":    ingest.ColTimestamp,
	"location_id": ingest.ColStationID,
}

// FileOptions configures a FileSink.
type FileOptions struct {
	Schema ingest.Schema
	Policy ingest.Policy
	Logger *slog.Logger
}

// FileSink implements Sink as a single CSV file that is fully rewritten on
// every Write. The previous contents are replaced atomically.
type FileSink struct {
	path   string
	schema ingest.Schema
	policy ingest.Policy
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileSink returns a sink writing to path. The file need not exist.
func NewFileSink(path string, opts FileOptions) (*FileSink, error) {
	if path == "" {
		return nil, &ingest.ConfigurationError{Field: "sink.file.path", Msg: "required"}
	}
	if len(opts.Schema.Weather)+len(opts.Schema.AirQuality) == 0 {
		opts.Schema = ingest.DefaultSchema()
	}
	if opts.Policy == "" {
		opts.Policy = ingest.LastWriteWins
	}
	if !opts.Policy.Valid() {
		return nil, &ingest.ConfigurationError{Field: "sink.conflict_policy", Msg: fmt.Sprintf("unknown policy %q", opts.Policy)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileSink{path: path, schema: opts.Schema, policy: opts.Policy, logger: opts.Logger}, nil
}

func (s *FileSink) Driver() string { return "file" }

// Path returns the CSV file path.
func (s *FileSink) Path() string { return s.path }

// Write merges batch into the file. A malformed existing file aborts the
// write with a *ingest.MergeParseError and leaves the file untouched.
func (s *FileSink) Write(ctx context.Context, batch ingest.Batch) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, hasExisting, err := s.read()
	if err != nil {
		return WriteResult{}, &ingest.StageError{Stage: ingest.StageFileMerge, Rows: len(batch), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, &ingest.StageError{Stage: ingest.StageFileMerge, Rows: len(batch), Err: err}
	}

	merged, added := merge.Merge(existing, hasExisting, batch, s.policy)
	res := WriteResult{Inserted: added}
	if s.policy == ingest.LastWriteWins && hasExisting {
		res.Updated = countOverlap(existing, batch)
	}

	if err := s.writeAtomic(merged); err != nil {
		return WriteResult{}, &ingest.StageError{Stage: ingest.StageFileWrite, Rows: len(merged), Err: err}
	}
	s.logger.Info("file sink updated", "path", s.path, "rows", len(merged), "inserted", res.Inserted, "updated", res.Updated)
	return res, nil
}

// Stats reads the file and reports its row count and key range.
func (s *FileSink) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, _, err := s.read()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Rows: len(rows)}
	for i, r := range rows {
		if i == 0 || r.Timestamp.Before(st.Oldest) {
			st.Oldest = r.Timestamp
		}
		if i == 0 || r.Timestamp.After(st.Newest) {
			st.Newest = r.Timestamp
		}
	}
	return st, nil
}

func (s *FileSink) Close() error { return nil }

// ReadCSV parses a CSV file in the file sink's format, such as an export of
// historical data. Unlike the sink, it reports a missing file as an error.
// Malformed content is returned as *ingest.MergeParseError.
func ReadCSV(path string, schema ingest.Schema) ([]ingest.Row, error) {
	if len(schema.Weather)+len(schema.AirQuality) == 0 {
		schema = ingest.DefaultSchema()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	s := &FileSink{path: path, schema: schema}
	rows, _, err := s.read()
	return rows, err
}

// read parses the current file. A missing or empty file is reported as
// absent rather than as an error.
func (s *FileSink) read() ([]ingest.Row, bool, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &ingest.MergeParseError{Path: s.path, Line: 1, Err: err}
	}
	cols, err := s.mapHeader(header)
	if err != nil {
		return nil, false, &ingest.MergeParseError{Path: s.path, Line: 1, Err: err}
	}

	var rows []ingest.Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.Line
			}
			return nil, false, &ingest.MergeParseError{Path: s.path, Line: line, Err: err}
		}
		line, _ := r.FieldPos(0)
		row, err := s.parseRecord(cols, rec)
		if err != nil {
			return nil, false, &ingest.MergeParseError{Path: s.path, Line: line, Err: err}
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

func (s *FileSink) mapHeader(header []string) ([]string, error) {
	known := make(map[string]bool)
	for _, c := range s.schema.Columns() {
		known[c] = true
	}
	cols := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		h = strings.TrimSpace(h)
		if alias, ok := legacyHeaders[h]; ok {
			h = alias
		}
		if !known[h] {
			return nil, fmt.Errorf("unknown column %q", h)
		}
		if seen[h] {
			return nil, fmt.Errorf("duplicate column %q", h)
		}
		seen[h] = true
		cols[i] = h
	}
	if !seen[ingest.ColTimestamp] || !seen[ingest.ColStationID] {
		return nil, fmt.Errorf("header must contain %s and %s", ingest.ColTimestamp, ingest.ColStationID)
	}
	return cols, nil
}

func (s *FileSink) parseRecord(cols, rec []string) (ingest.Row, error) {
	var row ingest.Row
	for i, col := range cols {
		cell := strings.TrimSpace(rec[i])
		switch col {
		case ingest.ColStationID:
			if cell == "" {
				return row, errors.New("empty station_id")
			}
			row.StationID = cell
		case ingest.ColTimestamp:
			ts, err := parseTimestamp(cell)
			if err != nil {
				return row, err
			}
			row.Timestamp = ts
		default:
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return row, fmt.Errorf("column %s: %w", col, err)
			}
			switch col {
			case ingest.ColLat:
				row.Lat = v
			case ingest.ColLon:
				row.Lon = v
			default:
				if err := s.schema.SetValue(&row, col, v); err != nil {
					return row, err
				}
			}
		}
	}
	return row, nil
}

// writeAtomic writes rows to a temporary file beside the target and renames
// it into place.
func (s *FileSink) writeAtomic(rows []ingest.Row) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if err := s.encode(tmp, rows); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

func (s *FileSink) encode(w io.Writer, rows []ingest.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(s.schema.Columns()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	rec := make([]string, 0, len(s.schema.Columns()))
	for _, r := range rows {
		rec = rec[:0]
		rec = append(rec,
			r.Timestamp.Format(time.RFC3339),
			r.StationID,
			formatFloat(r.Lat),
			formatFloat(r.Lon),
		)
		for _, v := range s.schema.Values(r) {
			if v == nil {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, formatFloat(*v))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func countOverlap(existing []ingest.Row, batch ingest.Batch) int {
	keys := make(map[ingest.Key]bool, len(existing))
	for _, r := range existing {
		keys[r.Key()] = true
	}
	n := 0
	for _, r := range ingest.Dedupe(batch, ingest.LastWriteWins) {
		if keys[r.Key()] {
			n++
		}
	}
	return n
}
