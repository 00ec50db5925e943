package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// keyChunk bounds IN-list sizes; SQLite caps bound parameters per statement.
const keyChunk = 400

// windowMargin widens the measurement lookup so drivers that round
// timestamps on the way back cannot hide a stored key.
const windowMargin = time.Second

// Existing loads the keys of the batch's entities that are already stored.
// It runs inside the run transaction so it sees a consistent snapshot.
func (t *Tx) Existing(ctx context.Context, batch []domain.Entities) (domain.Existing, error) {
	existing := domain.NewExisting()
	if len(batch) == 0 {
		return existing, nil
	}

	countries := make(map[string]struct{})
	cities := make(map[string]struct{})
	locations := make(map[string]struct{})
	for _, e := range batch {
		countries[e.Country.Code] = struct{}{}
		cities[e.City.Key] = struct{}{}
		locations[e.Location.Key] = struct{}{}
	}

	if err := t.presentKeys(ctx, "countries", "country_code", keys(countries), existing.Countries); err != nil {
		return existing, err
	}
	if err := t.presentKeys(ctx, "cities", "city_key", keys(cities), existing.Cities); err != nil {
		return existing, err
	}
	if err := t.presentKeys(ctx, "locations", "location_key", keys(locations), existing.Locations); err != nil {
		return existing, err
	}
	if err := t.presentMeasurements(ctx, keys(locations), domain.WindowOf(batch), existing.Measurements); err != nil {
		return existing, err
	}
	return existing, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func chunks(all []string, size int) [][]string {
	var out [][]string
	for len(all) > size {
		out = append(out, all[:size])
		all = all[size:]
	}
	if len(all) > 0 {
		out = append(out, all)
	}
	return out
}

func toArgs(ss []string, extra ...any) []any {
	args := make([]any, 0, len(ss)+len(extra))
	for _, s := range ss {
		args = append(args, s)
	}
	return append(args, extra...)
}

func (t *Tx) presentKeys(ctx context.Context, tableName, keyColumn string, want []string, into map[string]struct{}) error {
	for _, chunk := range chunks(want, keyChunk) {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)", keyColumn, tableName, keyColumn, placeholders(len(chunk)))
		rows, err := t.query(ctx, q, toArgs(chunk)...)
		if err != nil {
			return classify(fmt.Errorf("query existing %s: %w", tableName, err))
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return fmt.Errorf("scan existing %s: %w", tableName, err)
			}
			into[k] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return classify(fmt.Errorf("query existing %s: %w", tableName, err))
		}
	}
	return nil
}

func (t *Tx) presentMeasurements(ctx context.Context, locationKeys []string, window domain.TimeWindow, into map[domain.MeasurementKey]domain.StoredReading) error {
	from := window.From.Add(-windowMargin)
	to := window.To.Add(windowMargin)

	for _, chunk := range chunks(locationKeys, keyChunk) {
		q := fmt.Sprintf(`SELECT location_key, parameter, measured_at, value, unit FROM measurements
WHERE location_key IN (%s) AND measured_at >= ? AND measured_at <= ?`, placeholders(len(chunk)))
		rows, err := t.query(ctx, q, toArgs(chunk, from, to)...)
		if err != nil {
			return classify(fmt.Errorf("query existing measurements: %w", err))
		}
		for rows.Next() {
			var (
				m  domain.Measurement
				at time.Time
			)
			if err := rows.Scan(&m.LocationKey, &m.Parameter, &at, &m.Value, &m.Unit); err != nil {
				rows.Close()
				return fmt.Errorf("scan existing measurement: %w", err)
			}
			m.MeasuredAt = at.UTC().Truncate(time.Microsecond)
			into[m.Key()] = domain.StoredReading{Value: m.Value, Unit: m.Unit}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return classify(fmt.Errorf("query existing measurements: %w", err))
		}
	}
	return nil
}
