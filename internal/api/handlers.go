package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tgkiet/air-quality-weather-meteo/internal/collector"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/pipeline"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

// StatusSource reports per-station fetch status.
type StatusSource interface {
	Status() []collector.StationStatus
}

// RunSource reports the most recent ingestion cycle.
type RunSource interface {
	Last() (pipeline.Report, bool)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Sink      store.Sink
	Stations  []ingest.Station
	Status    StatusSource
	Runs      RunSource
	NextRun   func() time.Time
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

type stationResponse struct {
	StationID     string     `json:"station_id"`
	Name          string     `json:"name"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Status        string     `json:"status"` // ok, skipped or pending
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastRows      int        `json:"last_rows"`
	ErrorCount    int        `json:"error_count"`
	LastError     string     `json:"last_error,omitempty"`
}

func (h *Handlers) stationStatuses() []stationResponse {
	byID := make(map[string]collector.StationStatus)
	if h.Status != nil {
		for _, s := range h.Status.Status() {
			byID[s.StationID] = s
		}
	}

	result := make([]stationResponse, 0, len(h.Stations))
	for _, st := range h.Stations {
		sr := stationResponse{
			StationID: st.ID,
			Name:      st.Name,
			Latitude:  st.Lat,
			Longitude: st.Lon,
			Status:    "pending",
		}
		if cs, ok := byID[st.ID]; ok {
			sr.LastRows = cs.LastRows
			sr.ErrorCount = cs.ErrorCount
			sr.LastError = cs.LastError
			if !cs.LastSuccessAt.IsZero() {
				t := cs.LastSuccessAt
				sr.LastSuccessAt = &t
				sr.Status = "ok"
			}
			if cs.Skipped {
				sr.Status = "skipped"
			}
		}
		result = append(result, sr)
	}
	return result
}

// ListStations handles GET /api/v1/stations
func (h *Handlers) ListStations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stationStatuses())
}

// GetStation handles GET /api/v1/stations/{station_id}
func (h *Handlers) GetStation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("station_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid station_id")
		return
	}
	for _, st := range h.stationStatuses() {
		if st.StationID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "station not found")
}

// LatestRun handles GET /api/v1/runs/latest
func (h *Handlers) LatestRun(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeError(w, http.StatusNotFound, "no ingestion cycle has run yet")
		return
	}
	rep, ok := h.Runs.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no ingestion cycle has run yet")
		return
	}

	type runResponse struct {
		pipeline.Report
		DurationSeconds float64 `json:"duration_seconds"`
	}
	writeJSON(w, http.StatusOK, runResponse{Report: rep, DurationSeconds: rep.Duration().Seconds()})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type sinkHealth struct {
		Driver string     `json:"driver"`
		Status string     `json:"status"`
		Rows   int        `json:"rows"`
		Oldest *time.Time `json:"oldest,omitempty"`
		Newest *time.Time `json:"newest,omitempty"`
		Error  string     `json:"error,omitempty"`
	}
	type lastRun struct {
		RunID      string           `json:"run_id"`
		Outcome    pipeline.Outcome `json:"outcome"`
		FinishedAt time.Time        `json:"finished_at"`
		Inserted   int              `json:"inserted"`
		Updated    int              `json:"updated"`
		Skipped    int              `json:"skipped"`
		Error      string           `json:"error,omitempty"`
	}
	type healthResponse struct {
		Status   string            `json:"status"`
		Version  string            `json:"version"`
		Uptime   string            `json:"uptime"`
		LastRun  *lastRun          `json:"last_run,omitempty"`
		NextRun  *time.Time        `json:"next_run,omitempty"`
		Stations []stationResponse `json:"stations"`
		Sink     sinkHealth        `json:"sink"`
	}

	resp := healthResponse{
		Status:   "healthy",
		Version:  h.Version,
		Uptime:   formatUptime(time.Since(h.StartTime)),
		Stations: h.stationStatuses(),
	}
	code := http.StatusOK

	if h.Runs != nil {
		if rep, ok := h.Runs.Last(); ok {
			resp.LastRun = &lastRun{
				RunID:      rep.RunID,
				Outcome:    rep.Outcome,
				FinishedAt: rep.FinishedAt,
				Inserted:   rep.Inserted,
				Updated:    rep.Updated,
				Skipped:    len(rep.Skipped),
				Error:      rep.Error,
			}
			if rep.Outcome == pipeline.OutcomeFailed {
				resp.Status = "degraded"
			}
		}
	}
	if h.NextRun != nil {
		if t := h.NextRun(); !t.IsZero() {
			resp.NextRun = &t
		}
	}

	if h.Sink != nil {
		resp.Sink = sinkHealth{Driver: h.Sink.Driver(), Status: "ok"}
		st, err := h.Sink.Stats(r.Context())
		if err != nil {
			// Details go to the log, not the response.
			h.logger().Error("sink stats failed", "driver", h.Sink.Driver(), "error", err)
			resp.Sink.Status = "error"
			resp.Sink.Error = "failed to read sink statistics"
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			resp.Sink.Rows = st.Rows
			if !st.Oldest.IsZero() {
				resp.Sink.Oldest = &st.Oldest
				resp.Sink.Newest = &st.Newest
			}
		}
	}

	writeJSON(w, code, resp)
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
