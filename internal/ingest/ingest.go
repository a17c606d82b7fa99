// Package ingest holds the data model shared by the fetch orchestrator and
// the sink engines.
package ingest

import (
	"cmp"
	"slices"
	"time"
)

// AirQualitySuffix is appended to air-quality variable names to form their
// column names, keeping them apart from weather variables of the same name.
const AirQualitySuffix = "_cams"

// DefaultWeatherVariables are the hourly weather variables requested per station.
var DefaultWeatherVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"precipitation",
	"rain",
	"wind_speed_10m",
	"wind_direction_10m",
	"pressure_msl",
	"boundary_layer_height",
}

// DefaultAirQualityVariables are the hourly air-quality variables requested per station.
var DefaultAirQualityVariables = []string{
	"pm10",
	"pm2_5",
	"carbon_monoxide",
	"nitrogen_dioxide",
	"sulphur_dioxide",
	"ozone",
}

// Station is reference metadata for one monitoring location.
type Station struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

// Key is the composite key identifying one observation in every sink.
type Key struct {
	StationID string
	Timestamp int64 // unix seconds; instants in different zones compare equal
}

// Row is one hourly observation for a station. A variable missing from
// Weather or AirQuality is null.
type Row struct {
	StationID  string
	Timestamp  time.Time
	Weather    map[string]float64
	AirQuality map[string]float64
	Lat        float64
	Lon        float64
}

// Key returns the row's composite key.
func (r Row) Key() Key {
	return Key{StationID: r.StationID, Timestamp: r.Timestamp.Unix()}
}

// Batch is the set of rows produced by one ingestion cycle.
type Batch []Row

// Compare orders rows by (station_id, timestamp) ascending.
func Compare(a, b Row) int {
	if c := cmp.Compare(a.StationID, b.StationID); c != 0 {
		return c
	}
	return a.Timestamp.Compare(b.Timestamp)
}

// SortRows sorts rows in place by (station_id, timestamp).
func SortRows(rows []Row) {
	slices.SortStableFunc(rows, Compare)
}

// Policy decides which row survives when two rows share a Key.
type Policy string

const (
	// FirstWriteWins keeps the row that was stored or seen first.
	FirstWriteWins Policy = "first_write_wins"
	// LastWriteWins keeps the most recently fetched row.
	LastWriteWins Policy = "last_write_wins"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == FirstWriteWins || p == LastWriteWins
}

// Dedupe removes rows with duplicate keys, keeping the first or last
// occurrence according to p. The relative order of survivors is preserved.
func Dedupe(rows []Row, p Policy) []Row {
	pos := make(map[Key]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		k := r.Key()
		if i, ok := pos[k]; ok {
			if p == LastWriteWins {
				out[i] = r
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}
