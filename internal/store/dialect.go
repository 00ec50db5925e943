package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// ParseDriver validates a driver name.
func ParseDriver(s string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(s))) {
	case DriverPostgres, "postgresql", "pgx":
		return DriverPostgres, nil
	case DriverSQLite, "sqlite3":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

// dialect captures the few places where PostgreSQL and SQLite differ.
type dialect struct {
	driver        Driver
	sqlDriverName string
	textType      string
	floatType     string
	timestampType string
	intType       string
}

func dialectFor(d Driver) dialect {
	switch d {
	case DriverPostgres:
		return dialect{
			driver:        DriverPostgres,
			sqlDriverName: "pgx",
			textType:      "TEXT",
			floatType:     "DOUBLE PRECISION",
			timestampType: "TIMESTAMPTZ",
			intType:       "BIGINT",
		}
	default:
		return dialect{
			driver:        DriverSQLite,
			sqlDriverName: "sqlite",
			textType:      "TEXT",
			floatType:     "REAL",
			timestampType: "TIMESTAMP",
			intType:       "INTEGER",
		}
	}
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// columnsQuery lists a table's columns; an empty result means the table is absent.
func (d dialect) columnsQuery() string {
	if d.driver == DriverPostgres {
		return `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`
	}
	return `SELECT name FROM pragma_table_info(?)`
}

// primaryKeyQuery lists a table's primary key columns in key order.
func (d dialect) primaryKeyQuery() string {
	if d.driver == DriverPostgres {
		return `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
 AND kcu.table_name = tc.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = current_schema() AND tc.table_name = $1
ORDER BY kcu.ordinal_position`
	}
	return `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`
}

// foreignKeysQuery lists (column, parent table, parent column) per foreign key.
func (d dialect) foreignKeysQuery() string {
	if d.driver == DriverPostgres {
		return `SELECT kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name
 AND kcu.table_schema = tc.table_schema
 AND kcu.table_name = tc.table_name
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.constraint_schema = tc.constraint_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = current_schema() AND tc.table_name = $1`
	}
	return `SELECT "from", "table", "to" FROM pragma_foreign_key_list(?)`
}
