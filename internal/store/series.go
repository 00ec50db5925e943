package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ParameterUnit is one (parameter, unit) pair present in the measurements table.
type ParameterUnit struct {
	Parameter string `json:"parameter"`
	Unit      string `json:"unit"`
	Count     int    `json:"count"`
}

// ParameterUnits lists the distinct parameter/unit combinations with their
// measurement counts, ordered by parameter then unit.
func (s *Store) ParameterUnits(ctx context.Context) ([]ParameterUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT parameter, unit, COUNT(*) FROM measurements GROUP BY parameter, unit ORDER BY parameter, unit")
	if err != nil {
		return nil, classify(fmt.Errorf("query parameter units: %w", err))
	}
	defer rows.Close()

	var out []ParameterUnit
	for rows.Next() {
		var pu ParameterUnit
		if err := rows.Scan(&pu.Parameter, &pu.Unit, &pu.Count); err != nil {
			return nil, fmt.Errorf("scan parameter unit: %w", err)
		}
		out = append(out, pu)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("query parameter units: %w", err))
	}
	return out, nil
}

// SeriesQuery selects measurements of one parameter for charting.
type SeriesQuery struct {
	Parameter   string
	Unit        string // optional
	CountryCode string // optional
	LocationKey string // optional
	From, To    time.Time
	Limit       int
}

// SeriesPoint is a measurement joined with its location hierarchy.
type SeriesPoint struct {
	MeasuredAt   time.Time `json:"measured_at"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	LocationKey  string    `json:"location_key"`
	LocationName string    `json:"location"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	City         string    `json:"city"`
	CountryCode  string    `json:"country_code"`
	Country      string    `json:"country"`
}

// Series returns matching measurements ordered by time, then location.
func (s *Store) Series(ctx context.Context, q SeriesQuery) ([]SeriesPoint, error) {
	if strings.TrimSpace(q.Parameter) == "" {
		return nil, fmt.Errorf("series: parameter is required")
	}

	var (
		where = []string{"m.parameter = ?"}
		args  = []any{strings.ToLower(strings.TrimSpace(q.Parameter))}
	)
	if q.Unit != "" {
		where = append(where, "m.unit = ?")
		args = append(args, q.Unit)
	}
	if q.CountryCode != "" {
		where = append(where, "co.country_code = ?")
		args = append(args, strings.ToUpper(q.CountryCode))
	}
	if q.LocationKey != "" {
		where = append(where, "m.location_key = ?")
		args = append(args, q.LocationKey)
	}
	if !q.From.IsZero() {
		where = append(where, "m.measured_at >= ?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where = append(where, "m.measured_at <= ?")
		args = append(args, q.To.UTC())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	query := `SELECT m.measured_at, m.value, m.unit, l.location_key, l.name, l.latitude, l.longitude,
       ci.name, co.country_code, co.name
FROM measurements m
JOIN locations l ON l.location_key = m.location_key
JOIN cities ci ON ci.city_key = l.city_key
JOIN countries co ON co.country_code = ci.country_code
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY m.measured_at, l.location_key
LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query series: %w", err))
	}
	defer rows.Close()

	var out []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.MeasuredAt, &p.Value, &p.Unit, &p.LocationKey, &p.LocationName,
			&p.Latitude, &p.Longitude, &p.City, &p.CountryCode, &p.Country); err != nil {
			return nil, fmt.Errorf("scan series point: %w", err)
		}
		p.MeasuredAt = p.MeasuredAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("query series: %w", err))
	}
	return out, nil
}
