// Package merge combines a fetched batch with previously persisted rows,
// deduplicating on (station_id, timestamp).
package merge

import (
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
)

// Merge returns existing plus incoming with one row per key, sorted by
// (station_id, timestamp), and the number of keys that were not in existing.
// When hasExisting is false the prior store is treated as absent.
//
// Under LastWriteWins an incoming row replaces a stored row with the same
// key; under FirstWriteWins the stored row is kept. Merge does not modify
// its inputs.
func Merge(existing []ingest.Row, hasExisting bool, incoming ingest.Batch, policy ingest.Policy) ([]ingest.Row, int) {
	if !policy.Valid() {
		policy = ingest.LastWriteWins
	}
	if !hasExisting {
		existing = nil
	}

	combined := make([]ingest.Row, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)

	merged := ingest.Dedupe(combined, policy)
	ingest.SortRows(merged)

	// A prior store may itself hold duplicates; count against distinct keys.
	before := len(ingest.Dedupe(existing, policy))
	return merged, len(merged) - before
}
