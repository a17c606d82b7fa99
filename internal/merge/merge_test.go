package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

var t0 = time.Date(2024, 8, 4, 10, 0, 0, 0, time.UTC)

func obs(station string, hour int, pm25 float64) ingest.Row {
	return ingest.Row{
		StationID:  station,
		Timestamp:  t0.Add(time.Duration(hour) * time.Hour),
		AirQuality: map[string]float64{"pm2_5": pm25},
	}
}

func keys(rows []ingest.Row) []ingest.Key {
	out := make([]ingest.Key, len(rows))
	for i, r := range rows {
		out[i] = r.Key()
	}
	return out
}

func TestMerge_NoExisting(t *testing.T) {
	incoming := ingest.Batch{obs("S2", 0, 1), obs("S1", 1, 2), obs("S1", 0, 3)}

	merged, added := Merge([]ingest.Row{obs("S9", 0, 0)}, false, incoming, ingest.LastWriteWins)

	require.Len(t, merged, 3)
	assert.Equal(t, 3, added)
	assert.Equal(t, "S1", merged[0].StationID)
	assert.Equal(t, t0, merged[0].Timestamp)
	assert.Equal(t, "S2", merged[2].StationID)
}

func TestMerge_DedupKeepsLast(t *testing.T) {
	// The worked example: old holds (S1,10:00,pm=10); the batch carries
	// (S1,10:00,pm=12) and (S1,11:00,pm=11).
	existing := []ingest.Row{obs("S1", 0, 10)}
	incoming := ingest.Batch{obs("S1", 0, 12), obs("S1", 1, 11)}

	merged, added := Merge(existing, true, incoming, ingest.LastWriteWins)

	require.Len(t, merged, 2)
	assert.Equal(t, 1, added)
	assert.Equal(t, 12.0, merged[0].AirQuality["pm2_5"])
	assert.Equal(t, 11.0, merged[1].AirQuality["pm2_5"])
}

func TestMerge_FirstWriteWins(t *testing.T) {
	existing := []ingest.Row{obs("S1", 0, 10)}
	incoming := ingest.Batch{obs("S1", 0, 12)}

	merged, added := Merge(existing, true, incoming, ingest.FirstWriteWins)

	require.Len(t, merged, 1)
	assert.Equal(t, 0, added)
	assert.Equal(t, 10.0, merged[0].AirQuality["pm2_5"])
}

func TestMerge_Convergence(t *testing.T) {
	existing := []ingest.Row{obs("S1", 0, 1), obs("S2", 0, 2)}
	batch := ingest.Batch{obs("S2", 0, 5), obs("S1", 1, 6), obs("S2", 1, 7)}

	once, added := Merge(existing, true, batch, ingest.LastWriteWins)
	twice, addedAgain := Merge(once, true, batch, ingest.LastWriteWins)

	assert.Equal(t, 2, added)
	assert.Equal(t, 0, addedAgain)
	assert.Equal(t, once, twice)
}

func TestMerge_UniqueSortedKeys(t *testing.T) {
	existing := []ingest.Row{obs("S3", 2, 0), obs("S1", 5, 0), obs("S1", 5, 1)}
	batch := ingest.Batch{obs("S1", 5, 2), obs("S2", 0, 0), obs("S3", 1, 0), obs("S2", 0, 9)}

	merged, added := Merge(existing, true, batch, ingest.LastWriteWins)

	ks := keys(merged)
	seen := make(map[ingest.Key]bool)
	for i, k := range ks {
		assert.False(t, seen[k], "duplicate key %v", k)
		seen[k] = true
		if i > 0 {
			assert.Negative(t, ingest.Compare(merged[i-1], merged[i]), "rows out of order at %d", i)
		}
	}
	assert.Len(t, merged, 4)
	assert.Equal(t, 2, added)
}

func TestMerge_KeyIgnoresZone(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*3600)
	existing := []ingest.Row{obs("S1", 0, 1)}
	shifted := obs("S1", 0, 4)
	shifted.Timestamp = shifted.Timestamp.In(bangkok)

	merged, added := Merge(existing, true, ingest.Batch{shifted}, ingest.LastWriteWins)

	require.Len(t, merged, 1)
	assert.Equal(t, 0, added)
	assert.Equal(t, 4.0, merged[0].AirQuality["pm2_5"])
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	existing := []ingest.Row{obs("S2", 0, 1), obs("S1", 0, 2)}
	batch := ingest.Batch{obs("S1", 0, 3)}

	Merge(existing, true, batch, ingest.LastWriteWins)

	assert.Equal(t, "S2", existing[0].StationID)
	assert.Equal(t, 3.0, batch[0].AirQuality["pm2_5"])
}
