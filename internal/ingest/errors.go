package ingest

import (
	"errors"
	"fmt"
)

// Source names one of the two upstream providers.
type Source string

const (
	SourceWeather    Source = "weather"
	SourceAirQuality Source = "air_quality"
)

// Stage names the point in a cycle where an escalated failure happened.
type Stage string

const (
	StageConfig    Stage = "config"
	StageFetch     Stage = "fetch"
	StageFileMerge Stage = "file_merge"
	StageFileWrite Stage = "file_write"
	StageStaging   Stage = "staging"
	StageMerge     Stage = "merge"
)

// ErrNoData marks a station for which neither source returned rows.
var ErrNoData = errors.New("no data returned by any source")

// SourceFetchError is a failed request to one provider for one station.
// It is absorbed by the orchestrator.
type SourceFetchError struct {
	StationID string
	Source    Source
	Err       error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("station %s: fetching %s: %v", e.StationID, e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// NoDataError is reported for a station that produced no rows at all.
type NoDataError struct {
	StationID string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("station %s: %v", e.StationID, ErrNoData)
}

func (e *NoDataError) Unwrap() error { return ErrNoData }

// MergeParseError is a malformed record in a previously persisted file.
type MergeParseError struct {
	Path string
	Line int
	Err  error
}

func (e *MergeParseError) Error() string {
	return fmt.Sprintf("parsing %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *MergeParseError) Unwrap() error { return e.Err }

// ConfigurationError is a missing or invalid setting detected at startup.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// StageError is a batch-level failure escalated to the caller.
type StageError struct {
	Stage Stage
	Rows  int // rows attempted
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%d rows): %v", e.Stage, e.Rows, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether re-running the cycle may succeed. Configuration
// and parse errors need operator action; database and write failures do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	var parseErr *MergeParseError
	if errors.As(err, &parseErr) {
		return false
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage != StageConfig
	}
	return false
}
