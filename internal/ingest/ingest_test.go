package ingest

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func row(station string, ts time.Time, pm25 float64) Row {
	return Row{StationID: station, Timestamp: ts, AirQuality: map[string]float64{"pm2_5": pm25}}
}

func TestDedupe(t *testing.T) {
	t1 := time.Date(2024, 8, 4, 10, 0, 0, 0, time.UTC)
	rows := []Row{row("S1", t1, 10), row("S2", t1, 5), row("S1", t1, 12)}

	tests := []struct {
		policy Policy
		want   float64
	}{
		{LastWriteWins, 12},
		{FirstWriteWins, 10},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			got := Dedupe(rows, tt.policy)
			if len(got) != 2 {
				t.Fatalf("got %d rows, want 2", len(got))
			}
			if got[0].AirQuality["pm2_5"] != tt.want {
				t.Errorf("pm2_5 = %v, want %v", got[0].AirQuality["pm2_5"], tt.want)
			}
		})
	}
}

func TestKey_ZoneIndependent(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*3600)
	utc := time.Date(2024, 8, 4, 3, 0, 0, 0, time.UTC)
	a := Row{StationID: "S1", Timestamp: utc}
	b := Row{StationID: "S1", Timestamp: utc.In(bangkok)}
	if a.Key() != b.Key() {
		t.Errorf("keys differ for the same instant: %v vs %v", a.Key(), b.Key())
	}
}

func TestSortRows(t *testing.T) {
	t1 := time.Date(2024, 8, 4, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	rows := []Row{row("S2", t1, 0), row("S1", t2, 0), row("S1", t1, 0)}
	SortRows(rows)

	want := []Key{{"S1", t1.Unix()}, {"S1", t2.Unix()}, {"S2", t1.Unix()}}
	for i, k := range want {
		if rows[i].Key() != k {
			t.Errorf("rows[%d] = %v, want %v", i, rows[i].Key(), k)
		}
	}
}

func TestSchema_Columns(t *testing.T) {
	s := Schema{Weather: []string{"rain"}, AirQuality: []string{"pm10"}}
	got := s.Columns()
	want := []string{"timestamp", "station_id", "lat", "lon", "rain", "pm10_cams"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Columns() = %v, want %v", got, want)
	}

	var r Row
	if err := s.SetValue(&r, "pm10_cams", 3.5); err != nil {
		t.Fatal(err)
	}
	if err := s.SetValue(&r, "bogus", 1); err == nil {
		t.Error("expected error for unknown column")
	}
	vals := s.Values(r)
	if vals[0] != nil {
		t.Errorf("rain = %v, want nil", *vals[0])
	}
	if vals[1] == nil || *vals[1] != 3.5 {
		t.Errorf("pm10_cams = %v, want 3.5", vals[1])
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"config", &ConfigurationError{Field: "sink.driver", Msg: "required"}, false},
		{"parse", &StageError{Stage: StageFileMerge, Err: &MergeParseError{Path: "x.csv", Line: 2, Err: errors.New("bad")}}, false},
		{"staging", &StageError{Stage: StageStaging, Rows: 10, Err: errors.New("disk full")}, true},
		{"merge wrapped", fmt.Errorf("cycle: %w", &StageError{Stage: StageMerge, Err: errors.New("deadlock")}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
