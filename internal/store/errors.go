package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// errorClass is the store-agnostic category of a driver error.
type errorClass int

const (
	classOther errorClass = iota
	classConstraint
	classSchema
	classConnectivity
)

func classOf(err error) (errorClass, string) {
	if err == nil {
		return classOther, ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return classConstraint, pgErr.ConstraintName
		case pgErr.Code == "42P01", pgErr.Code == "42703": // undefined_table, undefined_column
			return classSchema, ""
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"): // connection_exception, operator_intervention
			return classConnectivity, ""
		}
		return classOther, ""
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		msg := liteErr.Error()
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return classConstraint, sqliteConstraint(msg)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return classConnectivity, ""
		case sqlite3.SQLITE_ERROR:
			if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") || strings.Contains(msg, "has no column named") {
				return classSchema, ""
			}
		}
		return classOther, ""
	}

	var pgConnErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.As(err, &pgConnErr),
		errors.As(err, &netErr):
		return classConnectivity, ""
	}
	return classOther, ""
}

// sqliteConstraint extracts the constraint kind from messages such as
// "FOREIGN KEY constraint failed" or "UNIQUE constraint failed: cities.city_key".
func sqliteConstraint(msg string) string {
	for _, kind := range []string{"FOREIGN KEY", "UNIQUE", "PRIMARY KEY", "NOT NULL", "CHECK"} {
		if i := strings.Index(msg, kind+" constraint failed"); i >= 0 {
			return strings.TrimSpace(msg[i:])
		}
	}
	return ""
}

// classify tags a driver error with the matching domain sentinel so callers
// can branch with errors.Is.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	class, constraint := classOf(err)
	switch class {
	case classConstraint:
		return &domain.ConstraintViolationError{Constraint: constraint, Err: err}
	case classSchema:
		return fmt.Errorf("%w: %w", domain.ErrSchemaMismatch, err)
	case classConnectivity:
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return err
}

// entityError is classify with the failing entity attached.
func entityError(entity domain.EntityType, key string, err error) error {
	class, constraint := classOf(err)
	if class == classConstraint {
		return &domain.ConstraintViolationError{Entity: entity, Key: key, Constraint: constraint, Err: err}
	}
	return classify(fmt.Errorf("write %s %q: %w", entity, key, err))
}
