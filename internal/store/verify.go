package store

import (
	"context"
	"fmt"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// IntegrityReport summarizes table sizes and dangling references.
type IntegrityReport struct {
	Rows    domain.EntityCounts `json:"rows"`
	Orphans domain.EntityCounts `json:"orphans"`
	Runs    int                 `json:"runs"`
}

// OK reports whether no child row references a missing parent.
func (r IntegrityReport) OK() bool {
	return r.Orphans.Total() == 0
}

var orphanQueries = map[domain.EntityType]string{
	domain.EntityCity: `SELECT COUNT(*) FROM cities c
LEFT JOIN countries co ON co.country_code = c.country_code WHERE co.country_code IS NULL`,
	domain.EntityLocation: `SELECT COUNT(*) FROM locations l
LEFT JOIN cities c ON c.city_key = l.city_key WHERE c.city_key IS NULL`,
	domain.EntityMeasurement: `SELECT COUNT(*) FROM measurements m
LEFT JOIN locations l ON l.location_key = m.location_key WHERE l.location_key IS NULL`,
}

// Verify counts rows and orphans across the four tables. A database whose
// foreign keys are enforced always reports zero orphans.
func (s *Store) Verify(ctx context.Context) (IntegrityReport, error) {
	var r IntegrityReport

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM countries", &r.Rows.Countries},
		{"SELECT COUNT(*) FROM cities", &r.Rows.Cities},
		{"SELECT COUNT(*) FROM locations", &r.Rows.Locations},
		{"SELECT COUNT(*) FROM measurements", &r.Rows.Measurements},
		{"SELECT COUNT(*) FROM load_runs", &r.Runs},
		{orphanQueries[domain.EntityCity], &r.Orphans.Cities},
		{orphanQueries[domain.EntityLocation], &r.Orphans.Locations},
		{orphanQueries[domain.EntityMeasurement], &r.Orphans.Measurements},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return r, classify(fmt.Errorf("verify: %w", err))
		}
	}
	return r, nil
}
