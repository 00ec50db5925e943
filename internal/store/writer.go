package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

const (
	insertCountry     = "INSERT INTO countries (country_code, name) VALUES (?, ?)"
	insertCity        = "INSERT INTO cities (city_key, name, country_code) VALUES (?, ?, ?)"
	insertLocation    = "INSERT INTO locations (location_key, name, latitude, longitude, city_key) VALUES (?, ?, ?, ?, ?)"
	insertMeasurement = "INSERT INTO measurements (location_key, parameter, measured_at, value, unit) VALUES (?, ?, ?, ?, ?)"
	updateMeasurement = "UPDATE measurements SET value = ?, unit = ? WHERE location_key = ? AND parameter = ? AND measured_at = ?"
)

// WriteResult counts what a Write actually changed.
type WriteResult struct {
	Inserted domain.EntityCounts
	Updated  int
}

// Writer applies a delta inside a run transaction.
type Writer struct {
	schema *SchemaManager
}

// Writer returns a writer bound to this store's schema manager.
func (s *Store) Writer() *Writer {
	return &Writer{schema: s.schema}
}

// Write inserts countries, cities, locations and measurements in that order,
// then applies measurement overwrites. The first failure aborts the write and
// is returned as a *domain.ConstraintViolationError when a key or foreign key
// was violated; the caller's transaction must then be rolled back.
func (w *Writer) Write(ctx context.Context, tx *Tx, delta domain.Delta) (WriteResult, error) {
	var res WriteResult
	if !w.schema.Ensured() {
		return res, fmt.Errorf("%w: schema has not been ensured", domain.ErrSchemaMismatch)
	}

	err := tx.each(ctx, insertCountry, len(delta.Countries), func(i int) (domain.EntityType, string, []any) {
		c := delta.Countries[i]
		return domain.EntityCountry, c.Code, []any{c.Code, c.Name}
	})
	if err != nil {
		return WriteResult{}, err
	}
	res.Inserted.Countries = len(delta.Countries)

	err = tx.each(ctx, insertCity, len(delta.Cities), func(i int) (domain.EntityType, string, []any) {
		c := delta.Cities[i]
		return domain.EntityCity, c.Key, []any{c.Key, c.Name, c.CountryCode}
	})
	if err != nil {
		return WriteResult{}, err
	}
	res.Inserted.Cities = len(delta.Cities)

	err = tx.each(ctx, insertLocation, len(delta.Locations), func(i int) (domain.EntityType, string, []any) {
		l := delta.Locations[i]
		return domain.EntityLocation, l.Key, []any{l.Key, l.Name, l.Latitude, l.Longitude, l.CityKey}
	})
	if err != nil {
		return WriteResult{}, err
	}
	res.Inserted.Locations = len(delta.Locations)

	err = tx.each(ctx, insertMeasurement, len(delta.Measurements), func(i int) (domain.EntityType, string, []any) {
		m := delta.Measurements[i]
		return domain.EntityMeasurement, m.Key().String(), []any{m.LocationKey, m.Parameter, m.MeasuredAt.UTC(), m.Value, m.Unit}
	})
	if err != nil {
		return WriteResult{}, err
	}
	res.Inserted.Measurements = len(delta.Measurements)

	err = tx.each(ctx, updateMeasurement, len(delta.Updates), func(i int) (domain.EntityType, string, []any) {
		m := delta.Updates[i]
		return domain.EntityMeasurement, m.Key().String(), []any{m.Value, m.Unit, m.LocationKey, m.Parameter, m.MeasuredAt.UTC()}
	})
	if err != nil {
		return WriteResult{}, err
	}
	res.Updated = len(delta.Updates)

	return res, nil
}

// each prepares query once and executes it n times with the arguments
// produced by row.
func (t *Tx) each(ctx context.Context, query string, n int, row func(i int) (domain.EntityType, string, []any)) error {
	if n == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, t.dialect.rebind(query))
	if err != nil {
		return classify(fmt.Errorf("prepare %q: %w", query, err))
	}
	defer stmt.Close()

	for i := range n {
		entity, key, args := row(i)
		if err := execOne(ctx, stmt, args); err != nil {
			return entityError(entity, key, err)
		}
	}
	return nil
}

func execOne(ctx context.Context, stmt *sql.Stmt, args []any) error {
	_, err := stmt.ExecContext(ctx, args...)
	return err
}
