package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

// Header names accepted for each station column.
var stationHeaders = map[string]string{
	"location_id": "id",
	"station_id":  "id",
	"id":          "id",
	"lat":         "lat",
	"latitude":    "lat",
	"lon":         "lon",
	"long":        "lon",
	"longitude":   "lon",
	"name":        "name",
}

// LoadStations reads station metadata from a CSV file with a header row.
// The id, lat and lon columns are required; name is optional and other
// columns are ignored.
func LoadStations(path string) ([]StationConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ingest.ConfigurationError{Field: "stations_file", Msg: err.Error()}
	}
	defer f.Close()

	stations, err := readStations(f)
	if err != nil {
		return nil, &ingest.ConfigurationError{Field: "stations_file", Msg: fmt.Sprintf("%s: %v", path, err)}
	}
	return stations, nil
}

func readStations(r io.Reader) ([]StationConfig, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, err
	}

	idx := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if col, ok := stationHeaders[h]; ok {
			if _, dup := idx[col]; !dup {
				idx[col] = i
			}
		}
	}
	for _, col := range []string{"id", "lat", "lon"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing %s column", col)
		}
	}

	var out []StationConfig
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)

		s := StationConfig{ID: strings.TrimSpace(rec[idx["id"]])}
		if s.ID == "" {
			continue
		}
		if s.Lat, err = strconv.ParseFloat(strings.TrimSpace(rec[idx["lat"]]), 64); err != nil {
			return nil, fmt.Errorf("line %d: lat: %w", line, err)
		}
		if s.Lon, err = strconv.ParseFloat(strings.TrimSpace(rec[idx["lon"]]), 64); err != nil {
			return nil, fmt.Errorf("line %d: lon: %w", line, err)
		}
		if i, ok := idx["name"]; ok {
			s.Name = strings.TrimSpace(rec[i])
		}
		out = append(out, s)
	}
	return out, nil
}
