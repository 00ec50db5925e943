package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

func TestRebind(t *testing.T) {
	pg := dialectFor(DriverPostgres)
	lite := dialectFor(DriverSQLite)
	q := "SELECT a FROM t WHERE b = ? AND c IN (?, ?)"

	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestParseDriver(t *testing.T) {
	tests := map[string]Driver{
		"postgres":   DriverPostgres,
		"PostgreSQL": DriverPostgres,
		"pgx":        DriverPostgres,
		"sqlite":     DriverSQLite,
		" sqlite3 ":  DriverSQLite,
	}
	for in, want := range tests {
		got, err := ParseDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDriver("mysql")
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file::memory:?_pragma=foreign_keys(1)&_time_format=sqlite", sqliteDSN(""))
	assert.Equal(t, "data/aq.db?_pragma=foreign_keys(1)&_time_format=sqlite", sqliteDSN("data/aq.db"))
	assert.Equal(t, "x.db?_pragma=foreign_keys(0)&_time_format=sqlite", sqliteDSN("x.db?_pragma=foreign_keys(0)"))
}

func TestCreateSQL(t *testing.T) {
	got := tables[3].createSQL(dialectFor(DriverPostgres))
	assert.Contains(t, got, "CREATE TABLE IF NOT EXISTS measurements")
	assert.Contains(t, got, "measured_at TIMESTAMPTZ NOT NULL")
	assert.Contains(t, got, "PRIMARY KEY (location_key, parameter, measured_at)")
	assert.Contains(t, got, "FOREIGN KEY (location_key) REFERENCES locations (location_key)")
}

func TestClassify_Postgres(t *testing.T) {
	fk := &pgconn.PgError{Code: "23503", ConstraintName: "measurements_location_key_fkey"}
	err := entityError(domain.EntityMeasurement, "loc-1|pm25|t", fmt.Errorf("exec: %w", fk))

	var cv *domain.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, domain.EntityMeasurement, cv.Entity)
	assert.Equal(t, "measurements_location_key_fkey", cv.Constraint)
	assert.ErrorIs(t, err, domain.ErrConstraintViolation)

	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "42P01"}), domain.ErrSchemaMismatch)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "08006"}), domain.ErrConnectivity)
	assert.ErrorIs(t, classify(driver.ErrBadConn), domain.ErrConnectivity)

	other := errors.New("syntax")
	assert.Equal(t, other, classify(other))
	assert.Equal(t, context.Canceled, classify(context.Canceled))
}

func TestSQLiteConstraint(t *testing.T) {
	assert.Equal(t, "FOREIGN KEY constraint failed", sqliteConstraint("constraint failed: FOREIGN KEY constraint failed (787)"))
	assert.Equal(t, "", sqliteConstraint("disk I/O error"))
}

func newMockStore(t *testing.T, d Driver) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, d, slog.Default())
	require.NoError(t, err)
	return s, mock
}

func TestPing_WrapsConnectivity(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := s.PingWithRetry(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrConnectivity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM countries WHERE country_code = $1").
		WithArgs("GB").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.exec(ctx, "DELETE FROM countries WHERE country_code = ?", "GB")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = s.WithTx(ctx, func(context.Context, *Tx) error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_PostgresForeignKeyFailure(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres)
	s.schema.ensured = true
	ctx := context.Background()

	m := domain.Measurement{LocationKey: "loc-x", Parameter: "pm25", Value: 1, Unit: "ppm"}
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO measurements (location_key, parameter, measured_at, value, unit) VALUES ($1, $2, $3, $4, $5)")
	prep.ExpectExec().WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "measurements_location_key_fkey"})
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := s.Writer().Write(ctx, tx, domain.Delta{Measurements: []domain.Measurement{m}})
		return err
	})

	var cv *domain.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, domain.EntityMeasurement, cv.Entity)
	assert.Equal(t, m.Key().String(), cv.Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExisting_PostgresQueries(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres)
	ctx := context.Background()

	batch := []domain.Entities{domain.Resolve(domain.Row{
		CountryCode: "de", City: "Berlin", LocationID: "42", Location: "Mitte",
		Latitude: 52.52, Longitude: 13.40, Parameter: "o3", Value: 40, Unit: "µg/m³",
	})}
	e := batch[0]
	window := domain.WindowOf(batch)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT country_code FROM countries WHERE country_code IN ($1)").
		WithArgs("DE").
		WillReturnRows(sqlmock.NewRows([]string{"country_code"}).AddRow("DE"))
	mock.ExpectQuery("SELECT city_key FROM cities WHERE city_key IN ($1)").
		WithArgs(e.City.Key).
		WillReturnRows(sqlmock.NewRows([]string{"city_key"}))
	mock.ExpectQuery("SELECT location_key FROM locations WHERE location_key IN ($1)").
		WithArgs("openaq-42").
		WillReturnRows(sqlmock.NewRows([]string{"location_key"}))
	mock.ExpectQuery(`SELECT location_key, parameter, measured_at, value, unit FROM measurements
WHERE location_key IN ($1) AND measured_at >= $2 AND measured_at <= $3`).
		WithArgs("openaq-42", window.From.Add(-windowMargin), window.To.Add(windowMargin)).
		WillReturnRows(sqlmock.NewRows([]string{"location_key", "parameter", "measured_at", "value", "unit"}).
			AddRow("openaq-42", "o3", e.Measurement.MeasuredAt, 41.0, "µg/m³"))
	mock.ExpectCommit()

	var existing domain.Existing
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		existing, err = tx.Existing(ctx, batch)
		return err
	})
	require.NoError(t, err)

	assert.Contains(t, existing.Countries, "DE")
	assert.Empty(t, existing.Cities)
	assert.Equal(t, domain.StoredReading{Value: 41, Unit: "µg/m³"}, existing.Measurements[e.Measurement.Key()])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChunks(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks(in, 2))
	assert.Nil(t, chunks(nil, 2))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
