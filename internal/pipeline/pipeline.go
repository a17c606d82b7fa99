// Package pipeline runs one ingestion cycle: fetch every station, then
// write the batch to the configured sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgkiet/air-quality-weather-meteo/internal/clock"
	"github.com/tgkiet/air-quality-weather-meteo/internal/collector"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/metrics"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

// Outcome summarises how a cycle ended.
type Outcome string

const (
	OutcomeIngested  Outcome = "ingested"
	OutcomeNoNewData Outcome = "no_new_data"
	OutcomeFailed    Outcome = "failed"
)

// Report describes one cycle.
type Report struct {
	RunID         string       `json:"run_id"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Outcome       Outcome      `json:"outcome"`
	Sink          string       `json:"sink"`
	Stations      int          `json:"stations"`
	RowsFetched   int          `json:"rows_fetched"`
	FutureDropped int          `json:"future_rows_dropped"`
	Inserted      int          `json:"inserted"`
	Updated       int          `json:"updated"`
	Attempts      int          `json:"merge_attempts,omitempty"`
	Skipped       []string     `json:"skipped,omitempty"`
	Stage         ingest.Stage `json:"stage,omitempty"`
	Error         string       `json:"error,omitempty"`
	Retryable     bool         `json:"retryable,omitempty"`
}

// Duration returns how long the cycle took.
func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Collector produces the batch for a cycle.
type Collector interface {
	Collect(ctx context.Context, stations []ingest.Station) (collector.Result, error)
}

// Options configures a Pipeline.
type Options struct {
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Pipeline ties the orchestrator to one sink.
type Pipeline struct {
	stations  []ingest.Station
	collector Collector
	sink      store.Sink
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// New creates a Pipeline for a fixed station list.
func New(stations []ingest.Station, c Collector, sink store.Sink, opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		stations:  stations,
		collector: c,
		sink:      sink,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// RunCycle fetches and persists one batch. A cycle that finds nothing new
// is successful with OutcomeNoNewData. Escalated failures are returned as
// *ingest.StageError and are also described by the report.
func (p *Pipeline) RunCycle(ctx context.Context) (Report, error) {
	rep := Report{
		RunID:     uuid.NewString(),
		StartedAt: p.clock.Now().UTC(),
		Sink:      p.sink.Driver(),
		Stations:  len(p.stations),
	}
	logger := p.logger.With("run_id", rep.RunID)
	logger.Info("ingestion cycle started", "stations", rep.Stations, "sink", rep.Sink)

	err := p.run(ctx, logger, &rep)
	rep.FinishedAt = p.clock.Now().UTC()
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Error = err.Error()
		rep.Retryable = ingest.Retryable(err)
		var stageErr *ingest.StageError
		if errors.As(err, &stageErr) {
			rep.Stage = stageErr.Stage
		}
		logger.Error("ingestion cycle failed",
			"stage", string(rep.Stage),
			"rows", rep.RowsFetched,
			"retryable", rep.Retryable,
			"error", err,
		)
	} else {
		logger.Info("ingestion cycle complete",
			"outcome", string(rep.Outcome),
			"rows", rep.RowsFetched,
			"inserted", rep.Inserted,
			"updated", rep.Updated,
			"skipped", len(rep.Skipped),
			"duration", rep.Duration(),
		)
	}

	p.record(rep)
	return rep, err
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, rep *Report) error {
	res, err := p.collector.Collect(ctx, p.stations)
	if err != nil {
		return &ingest.StageError{Stage: ingest.StageFetch, Err: err}
	}
	rep.RowsFetched = len(res.Batch)
	rep.FutureDropped = res.Future
	rep.Skipped = res.Skipped
	if len(res.Skipped) > 0 {
		logger.Warn("stations skipped", "station_ids", res.Skipped)
	}

	if res.NoNewData() {
		rep.Outcome = OutcomeNoNewData
		return nil
	}

	wr, err := p.sink.Write(ctx, res.Batch)
	rep.Inserted, rep.Updated, rep.Attempts = wr.Inserted, wr.Updated, wr.Attempts
	if err != nil {
		var stageErr *ingest.StageError
		if !errors.As(err, &stageErr) {
			err = &ingest.StageError{Stage: ingest.StageMerge, Rows: len(res.Batch), Err: err}
		}
		return fmt.Errorf("writing to %s sink: %w", p.sink.Driver(), err)
	}

	rep.Outcome = OutcomeIngested
	if wr.Inserted == 0 && wr.Updated == 0 {
		rep.Outcome = OutcomeNoNewData
	}
	return nil
}

func (p *Pipeline) record(rep Report) {
	p.mu.Lock()
	p.last = &rep
	p.mu.Unlock()

	m := p.metrics
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(string(rep.Outcome)).Inc()
	m.CycleDuration.Observe(rep.Duration().Seconds())
	m.RowsFetched.Add(float64(rep.RowsFetched))
	m.RowsWritten.WithLabelValues("inserted").Add(float64(rep.Inserted))
	m.RowsWritten.WithLabelValues("updated").Add(float64(rep.Updated))
	m.StationsSkipped.Add(float64(len(rep.Skipped)))
	if rep.Outcome != OutcomeFailed {
		m.LastSuccess.Set(float64(rep.FinishedAt.Unix()))
	}
}

// Last returns the report of the most recent cycle.
func (p *Pipeline) Last() (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Report{}, false
	}
	return *p.last, true
}

// Stations returns the configured stations.
func (p *Pipeline) Stations() []ingest.Station { return p.stations }
