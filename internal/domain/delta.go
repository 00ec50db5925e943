package domain

import (
	"fmt"
	"math"
	"strings"
)

// ConflictPolicy decides what happens when a stored measurement is reported
// again with a different value.
type ConflictPolicy string

const (
	// ConflictReject keeps the stored reading and counts the conflict.
	ConflictReject ConflictPolicy = "reject"
	// ConflictOverwrite replaces the stored reading (last write wins).
	ConflictOverwrite ConflictPolicy = "overwrite"
)

// ParseConflictPolicy validates a policy name. Empty means ConflictReject.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictReject:
		return ConflictReject, nil
	case ConflictOverwrite:
		return ConflictOverwrite, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// StoredReading is the persisted payload of an existing measurement.
type StoredReading struct {
	Value float64
	Unit  string
}

// Existing holds the keys already present in the store.
type Existing struct {
	Countries    map[string]struct{}
	Cities       map[string]struct{}
	Locations    map[string]struct{}
	Measurements map[MeasurementKey]StoredReading
}

// NewExisting returns an empty, writable Existing.
func NewExisting() Existing {
	return Existing{
		Countries:    make(map[string]struct{}),
		Cities:       make(map[string]struct{}),
		Locations:    make(map[string]struct{}),
		Measurements: make(map[MeasurementKey]StoredReading),
	}
}

// Conflict records a measurement whose value disagrees with an earlier one.
type Conflict struct {
	Key      MeasurementKey
	Stored   StoredReading
	Incoming StoredReading
}

// Delta is the write set for one run.
type Delta struct {
	Countries    []Country
	Cities       []City
	Locations    []Location
	Measurements []Measurement // inserts
	Updates      []Measurement // overwrites of existing keys

	Existing   EntityCounts // already stored and unchanged
	Duplicates EntityCounts // collapsed onto an earlier row of the same run
	Conflicts  []Conflict   // rejected or overwritten disagreements
}

// Empty reports whether the delta writes nothing.
func (d Delta) Empty() bool {
	return len(d.Countries)+len(d.Cities)+len(d.Locations)+len(d.Measurements)+len(d.Updates) == 0
}

// DetectDelta filters a run's candidates down to what is genuinely new or,
// under ConflictOverwrite, changed. Rows resolving to the same key within the
// batch collapse to the first occurrence, except that under ConflictOverwrite
// a later differing measurement replaces an earlier one.
func DetectDelta(batch []Entities, existing Existing, policy ConflictPolicy) Delta {
	var d Delta

	countries, dups := collapse(batch, func(e Entities) string { return e.Country.Code })
	d.Duplicates.Countries = dups
	for _, e := range countries {
		if _, ok := existing.Countries[e.Country.Code]; ok {
			d.Existing.Countries++
			continue
		}
		d.Countries = append(d.Countries, e.Country)
	}

	cities, dups := collapse(batch, func(e Entities) string { return e.City.Key })
	d.Duplicates.Cities = dups
	for _, e := range cities {
		if _, ok := existing.Cities[e.City.Key]; ok {
			d.Existing.Cities++
			continue
		}
		d.Cities = append(d.Cities, e.City)
	}

	locations, dups := collapse(batch, func(e Entities) string { return e.Location.Key })
	d.Duplicates.Locations = dups
	for _, e := range locations {
		if _, ok := existing.Locations[e.Location.Key]; ok {
			d.Existing.Locations++
			continue
		}
		d.Locations = append(d.Locations, e.Location)
	}

	measurements := d.collapseMeasurements(batch, policy)
	for _, m := range measurements {
		stored, ok := existing.Measurements[m.Key()]
		switch {
		case !ok:
			d.Measurements = append(d.Measurements, m)
		case sameReading(stored, reading(m)):
			d.Existing.Measurements++
		default:
			d.Conflicts = append(d.Conflicts, Conflict{Key: m.Key(), Stored: stored, Incoming: reading(m)})
			if policy == ConflictOverwrite {
				d.Updates = append(d.Updates, m)
			}
		}
	}

	return d
}

// collapseMeasurements dedups measurements within the batch, recording
// in-batch disagreements as conflicts.
func (d *Delta) collapseMeasurements(batch []Entities, policy ConflictPolicy) []Measurement {
	index := make(map[MeasurementKey]int, len(batch))
	out := make([]Measurement, 0, len(batch))
	for _, e := range batch {
		m := e.Measurement
		key := m.Key()
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, m)
			continue
		}
		d.Duplicates.Measurements++
		if sameReading(reading(out[i]), reading(m)) {
			continue
		}
		d.Conflicts = append(d.Conflicts, Conflict{Key: key, Stored: reading(out[i]), Incoming: reading(m)})
		if policy == ConflictOverwrite {
			out[i] = m
		}
	}
	return out
}

func collapse(batch []Entities, key func(Entities) string) ([]Entities, int) {
	seen := make(map[string]struct{}, len(batch))
	out := make([]Entities, 0, len(batch))
	dups := 0
	for _, e := range batch {
		k := key(e)
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out, dups
}

func reading(m Measurement) StoredReading {
	return StoredReading{Value: m.Value, Unit: m.Unit}
}

// valueEpsilon tolerates float noise from drivers that round-trip through text.
const valueEpsilon = 1e-9

func sameReading(a, b StoredReading) bool {
	return a.Unit == b.Unit && math.Abs(a.Value-b.Value) <= valueEpsilon
}
