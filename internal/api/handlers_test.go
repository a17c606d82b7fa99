package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tgkiet/air-quality-weather-meteo/internal/collector"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/metrics"
	"github.com/tgkiet/air-quality-weather-meteo/internal/pipeline"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

// mockSink implements store.Sink for testing.
type mockSink struct {
	stats store.Stats
	err   error
}

func (m *mockSink) Write(context.Context, ingest.Batch) (store.WriteResult, error) {
	return store.WriteResult{}, nil
}
func (m *mockSink) Stats(context.Context) (store.Stats, error) { return m.stats, m.err }
func (m *mockSink) Driver() string                             { return "sqlite" }
func (m *mockSink) Close() error                               { return nil }

type mockStatus []collector.StationStatus

func (m mockStatus) Status() []collector.StationStatus { return m }

type mockRuns struct {
	rep *pipeline.Report
}

func (m mockRuns) Last() (pipeline.Report, bool) {
	if m.rep == nil {
		return pipeline.Report{}, false
	}
	return *m.rep, true
}

var testStations = []ingest.Station{
	{ID: "48", Name: "Hanoi", Lat: 21.0285, Lon: 105.8542},
	{ID: "49", Name: "Da Nang", Lat: 16.0544, Lon: 108.2022},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Stations == nil {
		opts.Stations = testStations
	}
	if opts.Sink == nil {
		opts.Sink = &mockSink{}
	}
	opts.Logger = quietLogger()
	srv := httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp
}

func TestHandlers_Health(t *testing.T) {
	srv := setupTestServer(t, Options{Version: "1.2.3"})

	var body map[string]any
	resp := getJSON(t, srv.URL+"/api/v1/health", &body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want 'healthy'", body["status"])
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %v", body["version"])
	}
	if _, ok := body["last_run"]; ok {
		t.Error("last_run present before any cycle")
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHandlers_HealthReflectsStatus(t *testing.T) {
	oldest := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	lastOK := time.Date(2024, 8, 4, 10, 0, 0, 0, time.UTC)
	rep := &pipeline.Report{
		RunID:      "run-1",
		Outcome:    pipeline.OutcomeFailed,
		FinishedAt: lastOK,
		Skipped:    []string{"49"},
		Error:      "merge failed",
	}
	srv := setupTestServer(t, Options{
		Sink: &mockSink{stats: store.Stats{Rows: 240, Oldest: oldest, Newest: lastOK}},
		Status: mockStatus{
			{StationID: "48", LastSuccessAt: lastOK, LastRows: 96},
			{StationID: "49", Skipped: true, ErrorCount: 2, LastError: "timeout"},
		},
		Runs:    mockRuns{rep: rep},
		NextRun: func() time.Time { return lastOK.Add(time.Hour) },
	})

	var body struct {
		Status  string `json:"status"`
		LastRun struct {
			RunID   string `json:"run_id"`
			Outcome string `json:"outcome"`
			Skipped int    `json:"skipped"`
		} `json:"last_run"`
		NextRun  *time.Time `json:"next_run"`
		Stations []struct {
			StationID  string `json:"station_id"`
			Status     string `json:"status"`
			LastRows   int    `json:"last_rows"`
			ErrorCount int    `json:"error_count"`
		} `json:"stations"`
		Sink struct {
			Driver string     `json:"driver"`
			Status string     `json:"status"`
			Rows   int        `json:"rows"`
			Oldest *time.Time `json:"oldest"`
		} `json:"sink"`
	}
	getJSON(t, srv.URL+"/api/v1/health", &body)

	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded after a failed cycle", body.Status)
	}
	if body.LastRun.RunID != "run-1" || body.LastRun.Outcome != "failed" || body.LastRun.Skipped != 1 {
		t.Errorf("last_run = %+v", body.LastRun)
	}
	if body.NextRun == nil || !body.NextRun.Equal(lastOK.Add(time.Hour)) {
		t.Errorf("next_run = %v", body.NextRun)
	}
	if len(body.Stations) != 2 {
		t.Fatalf("got %d stations, want 2", len(body.Stations))
	}
	if s := body.Stations[0]; s.Status != "ok" || s.LastRows != 96 {
		t.Errorf("station 48 = %+v", s)
	}
	if s := body.Stations[1]; s.Status != "skipped" || s.ErrorCount != 2 {
		t.Errorf("station 49 = %+v", s)
	}
	if body.Sink.Driver != "sqlite" || body.Sink.Rows != 240 || body.Sink.Oldest == nil || !body.Sink.Oldest.Equal(oldest) {
		t.Errorf("sink = %+v", body.Sink)
	}
}

func TestHandlers_HealthSinkError(t *testing.T) {
	srv := setupTestServer(t, Options{Sink: &mockSink{err: errors.New("database is locked")}})

	var body map[string]any
	resp := getJSON(t, srv.URL+"/api/v1/health", &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v, want 'unhealthy'", body["status"])
	}
	sink, _ := body["sink"].(map[string]any)
	if msg, _ := sink["error"].(string); strings.Contains(msg, "locked") {
		t.Errorf("sink error leaks driver details: %q", msg)
	}
}

func TestHandlers_ListStations(t *testing.T) {
	srv := setupTestServer(t, Options{})

	var stations []map[string]any
	resp := getJSON(t, srv.URL+"/api/v1/stations", &stations)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(stations) != 2 {
		t.Fatalf("got %d stations, want 2", len(stations))
	}
	if stations[0]["status"] != "pending" {
		t.Errorf("status = %v, want 'pending' before any fetch", stations[0]["status"])
	}
}

func TestHandlers_GetStation(t *testing.T) {
	srv := setupTestServer(t, Options{})

	t.Run("found", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, srv.URL+"/api/v1/stations/49", &body)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["name"] != "Da Nang" {
			t.Errorf("name = %v, want %q", body["name"], "Da Nang")
		}
		if body["latitude"] != 16.0544 {
			t.Errorf("latitude = %v", body["latitude"])
		}
	})

	t.Run("not found", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, srv.URL+"/api/v1/stations/999", &body)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
		if body["code"] != float64(404) {
			t.Errorf("code = %v, want 404", body["code"])
		}
	})
}

func TestHandlers_LatestRun(t *testing.T) {
	t.Run("none yet", func(t *testing.T) {
		srv := setupTestServer(t, Options{Runs: mockRuns{}})
		resp := getJSON(t, srv.URL+"/api/v1/runs/latest", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("report", func(t *testing.T) {
		start := time.Date(2024, 8, 4, 10, 0, 0, 0, time.UTC)
		rep := &pipeline.Report{
			RunID:       "abc",
			StartedAt:   start,
			FinishedAt:  start.Add(90 * time.Second),
			Outcome:     pipeline.OutcomeIngested,
			Sink:        "postgres",
			RowsFetched: 480,
			Inserted:    24,
		}
		srv := setupTestServer(t, Options{Runs: mockRuns{rep: rep}})

		var body map[string]any
		resp := getJSON(t, srv.URL+"/api/v1/runs/latest", &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["run_id"] != "abc" || body["outcome"] != "ingested" {
			t.Errorf("body = %v", body)
		}
		if body["rows_fetched"] != float64(480) || body["inserted"] != float64(24) {
			t.Errorf("counts = %v/%v", body["rows_fetched"], body["inserted"])
		}
		if body["duration_seconds"] != float64(90) {
			t.Errorf("duration_seconds = %v, want 90", body["duration_seconds"])
		}
	})
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New("test")
	m.CyclesTotal.WithLabelValues("ingested").Inc()
	srv := setupTestServer(t, Options{Metrics: m})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text exposition format", ct)
	}
	for _, want := range []string{`aqingest_cycles_total{outcome="ingested"} 1`, `aqingest_info{version="test"} 1`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	handler := Recovery(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("panic recovery status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if id := w.Header().Get("X-Request-ID"); id == "" {
			t.Error("expected X-Request-ID header")
		}
	})

	t.Run("propagated", func(t *testing.T) {
		const id = "6f1c1f2e-7d7a-4a53-9d0c-3f0c2b8a9e11"
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", id)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got != id {
			t.Errorf("X-Request-ID = %q, want %q", got, id)
		}
	})
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := NewServer(Options{Sink: &mockSink{}, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0")
	}()

	// Give server time to start.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
