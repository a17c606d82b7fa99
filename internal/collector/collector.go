package collector

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tgkiet/air-quality-weather-meteo/internal/clock"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/openmeteo"
)

// Fetcher retrieves one provider's hourly series for a station.
type Fetcher interface {
	Fetch(ctx context.Context, src ingest.Source, st ingest.Station) (*openmeteo.Series, error)
}

// StationStatus tracks the outcome of the most recent fetches for a station.
type StationStatus struct {
	StationID     string    `json:"station_id"`
	Name          string    `json:"name"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastRows      int       `json:"last_rows"`
	Skipped       bool      `json:"skipped"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// Result is the output of one pass over the stations.
type Result struct {
	Batch    ingest.Batch
	Skipped  []string // station IDs that produced no rows
	Stations int
	Future   int // rows dropped because they lie after now
}

// NoNewData reports that the pass produced nothing to persist.
func (r Result) NoNewData() bool { return len(r.Batch) == 0 }

// Options configures a Collector.
type Options struct {
	// Concurrency bounds how many stations are fetched at once. Values
	// below 1 mean sequential.
	Concurrency int
	Clock       clock.Clock
	Logger      *slog.Logger

	// OnFetchError is called for every failed provider request.
	OnFetchError func(err *ingest.SourceFetchError)
}

// Collector fetches both providers for every station and joins the results
// into one batch. A failing station never aborts the pass.
type Collector struct {
	fetcher     Fetcher
	clock       clock.Clock
	concurrency int
	logger      *slog.Logger
	onFetchErr  func(*ingest.SourceFetchError)

	mu       sync.RWMutex
	statuses map[string]*StationStatus
}

// NewCollector creates a new collector.
func NewCollector(f Fetcher, opts Options) *Collector {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Collector{
		fetcher:     f,
		clock:       opts.Clock,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		onFetchErr:  opts.OnFetchError,
		statuses:    make(map[string]*StationStatus),
	}
}

// Collect runs one pass over stations. The only error it returns is the
// context's; per-source and per-station failures are logged and absorbed.
// Rows are ordered by station position in the input, then timestamp.
func (c *Collector) Collect(ctx context.Context, stations []ingest.Station) (Result, error) {
	perStation := make([][]ingest.Row, len(stations))
	future := make([]int, len(stations))
	now := c.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, st := range stations {
		g.Go(func() error {
			perStation[i], future[i] = c.collectStation(gctx, st, now)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("collecting stations: %w", err)
	}

	res := Result{Stations: len(stations)}
	for i, rows := range perStation {
		res.Future += future[i]
		if len(rows) == 0 {
			res.Skipped = append(res.Skipped, stations[i].ID)
			continue
		}
		res.Batch = append(res.Batch, rows...)
	}

	c.logger.Info("collection complete",
		"stations", res.Stations,
		"rows", len(res.Batch),
		"skipped", len(res.Skipped),
		"future_rows_dropped", res.Future,
	)
	return res, nil
}

// collectStation returns the station's joined rows at or before now and the
// number of rows dropped for lying after it.
func (c *Collector) collectStation(ctx context.Context, st ingest.Station, now time.Time) (rows []ingest.Row, future int) {
	c.ensureStatus(st)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while collecting station", "station_id", st.ID, "error", r)
			c.recordError(st.ID, fmt.Errorf("panic: %v", r))
			rows, future = nil, 0
		}
	}()

	weather := c.fetchSource(ctx, ingest.SourceWeather, st)
	aq := c.fetchSource(ctx, ingest.SourceAirQuality, st)

	joined := joinSeries(st, weather, aq)
	rows = slices.DeleteFunc(joined, func(r ingest.Row) bool { return r.Timestamp.After(now) })
	future = len(joined) - len(rows)
	if len(rows) == 0 {
		err := &ingest.NoDataError{StationID: st.ID}
		c.logger.Warn("skipping station", "station_id", st.ID, "future_rows_dropped", future, "error", err)
		c.markSkipped(st.ID, err)
		return nil, future
	}

	c.recordSuccess(st.ID, len(rows))
	c.logger.Debug("collected station", "station_id", st.ID, "rows", len(rows), "future_rows_dropped", future)
	return rows, future
}

// fetchSource returns nil when the call fails; the failure is logged.
func (c *Collector) fetchSource(ctx context.Context, src ingest.Source, st ingest.Station) *openmeteo.Series {
	s, err := c.fetcher.Fetch(ctx, src, st)
	if err != nil {
		fetchErr := &ingest.SourceFetchError{StationID: st.ID, Source: src, Err: err}
		c.logger.Warn("source fetch failed", "station_id", st.ID, "source", string(src), "error", err)
		c.recordError(st.ID, fetchErr)
		if c.onFetchErr != nil {
			c.onFetchErr(fetchErr)
		}
		return nil
	}
	return s
}

// joinSeries performs a full outer join of the two series on timestamp and
// stamps the station identity on every row.
func joinSeries(st ingest.Station, weather, aq *openmeteo.Series) []ingest.Row {
	if weather.Len() == 0 && aq.Len() == 0 {
		return nil
	}

	byTime := make(map[int64]*ingest.Row, max(weather.Len(), aq.Len()))
	var order []int64
	rowAt := func(ts time.Time) *ingest.Row {
		k := ts.Unix()
		if r, ok := byTime[k]; ok {
			return r
		}
		r := &ingest.Row{StationID: st.ID, Timestamp: ts, Lat: st.Lat, Lon: st.Lon}
		byTime[k] = r
		order = append(order, k)
		return r
	}
	fill := func(s *openmeteo.Series, weatherSide bool) {
		if s.Len() == 0 {
			return
		}
		for i, ts := range s.Times {
			r := rowAt(ts)
			for name, vals := range s.Values {
				if vals[i] == nil {
					continue
				}
				if weatherSide {
					if r.Weather == nil {
						r.Weather = make(map[string]float64, len(s.Values))
					}
					r.Weather[name] = *vals[i]
				} else {
					if r.AirQuality == nil {
						r.AirQuality = make(map[string]float64, len(s.Values))
					}
					r.AirQuality[name] = *vals[i]
				}
			}
		}
	}
	fill(weather, true)
	fill(aq, false)

	slices.Sort(order)
	rows := make([]ingest.Row, len(order))
	for i, k := range order {
		rows[i] = *byTime[k]
	}
	return rows
}

// Status returns a snapshot of all station statuses ordered by station ID.
func (c *Collector) Status() []StationStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]StationStatus, 0, len(c.statuses))
	for _, s := range c.statuses {
		result = append(result, *s)
	}
	slices.SortFunc(result, func(a, b StationStatus) int {
		return cmp.Compare(a.StationID, b.StationID)
	})
	return result
}

func (c *Collector) ensureStatus(st ingest.Station) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.statuses[st.ID]; !ok {
		c.statuses[st.ID] = &StationStatus{StationID: st.ID, Name: st.Name}
	}
}

func (c *Collector) recordError(stationID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[stationID]
	if !ok {
		return
	}
	s.ErrorCount++
	s.LastError = err.Error()
}

func (c *Collector) markSkipped(stationID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[stationID]
	if !ok {
		return
	}
	s.Skipped = true
	s.LastRows = 0
	if s.LastError == "" {
		s.LastError = err.Error()
	}
}

func (c *Collector) recordSuccess(stationID string, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[stationID]
	if !ok {
		return
	}
	s.Skipped = false
	s.LastRows = rows
	s.LastSuccessAt = c.clock.Now().UTC()
}
