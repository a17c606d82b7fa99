package ingest

import "fmt"

// Fixed leading columns of every sink.
const (
	ColTimestamp = "timestamp"
	ColStationID = "station_id"
	ColLat       = "lat"
	ColLon       = "lon"
)

// Schema is the stable column layout shared by the file and relational sinks.
type Schema struct {
	Weather    []string
	AirQuality []string
}

// DefaultSchema returns the schema for the default variable lists.
func DefaultSchema() Schema {
	return Schema{
		Weather:    append([]string(nil), DefaultWeatherVariables...),
		AirQuality: append([]string(nil), DefaultAirQualityVariables...),
	}
}

// Columns returns every column name in output order.
func (s Schema) Columns() []string {
	cols := []string{ColTimestamp, ColStationID, ColLat, ColLon}
	cols = append(cols, s.Weather...)
	for _, v := range s.AirQuality {
		cols = append(cols, v+AirQualitySuffix)
	}
	return cols
}

// MeasurementColumns returns the nullable measurement columns in output order.
func (s Schema) MeasurementColumns() []string {
	return s.Columns()[4:]
}

// Values returns the measurement values of r in MeasurementColumns order.
// Missing measurements are nil.
func (s Schema) Values(r Row) []*float64 {
	out := make([]*float64, 0, len(s.Weather)+len(s.AirQuality))
	for _, v := range s.Weather {
		out = append(out, lookup(r.Weather, v))
	}
	for _, v := range s.AirQuality {
		out = append(out, lookup(r.AirQuality, v))
	}
	return out
}

// SetValue stores a measurement column value on r. It reports an error for
// columns that are not part of the schema.
func (s Schema) SetValue(r *Row, column string, v float64) error {
	for _, w := range s.Weather {
		if w == column {
			if r.Weather == nil {
				r.Weather = make(map[string]float64)
			}
			r.Weather[w] = v
			return nil
		}
	}
	for _, a := range s.AirQuality {
		if a+AirQualitySuffix == column {
			if r.AirQuality == nil {
				r.AirQuality = make(map[string]float64)
			}
			r.AirQuality[a] = v
			return nil
		}
	}
	return fmt.Errorf("unknown column %q", column)
}

func lookup(m map[string]float64, k string) *float64 {
	v, ok := m[k]
	if !ok {
		return nil
	}
	return &v
}
