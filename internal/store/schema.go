package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// SchemaVersion is bumped whenever a table definition below changes.
const SchemaVersion = 1

type column struct {
	name    string
	kind    func(dialect) string
	notNull bool
}

type table struct {
	name        string
	columns     []column
	primaryKey  []string
	foreignKeys []foreignKey
}

type foreignKey struct {
	column    string
	refTable  string
	refColumn string
}

func (fk foreignKey) clause() string {
	return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", fk.column, fk.refTable, fk.refColumn)
}

// String is the form used when comparing declared and actual keys.
func (fk foreignKey) String() string {
	return fk.column + "->" + fk.refTable + "." + fk.refColumn
}

func textCol(d dialect) string      { return d.textType }
func floatCol(d dialect) string     { return d.floatType }
func timestampCol(d dialect) string { return d.timestampType }
func integerCol(d dialect) string   { return d.intType }

// tables lists the schema in dependency order: parents before children.
var tables = []table{
	{
		name: "countries",
		columns: []column{
			{name: "country_code", kind: textCol, notNull: true},
			{name: "name", kind: textCol, notNull: true},
		},
		primaryKey: []string{"country_code"},
	},
	{
		name: "cities",
		columns: []column{
			{name: "city_key", kind: textCol, notNull: true},
			{name: "name", kind: textCol, notNull: true},
			{name: "country_code", kind: textCol, notNull: true},
		},
		primaryKey:  []string{"city_key"},
		foreignKeys: []foreignKey{{"country_code", "countries", "country_code"}},
	},
	{
		name: "locations",
		columns: []column{
			{name: "location_key", kind: textCol, notNull: true},
			{name: "name", kind: textCol, notNull: true},
			{name: "latitude", kind: floatCol, notNull: true},
			{name: "longitude", kind: floatCol, notNull: true},
			{name: "city_key", kind: textCol, notNull: true},
		},
		primaryKey:  []string{"location_key"},
		foreignKeys: []foreignKey{{"city_key", "cities", "city_key"}},
	},
	{
		name: "measurements",
		columns: []column{
			{name: "location_key", kind: textCol, notNull: true},
			{name: "parameter", kind: textCol, notNull: true},
			{name: "measured_at", kind: timestampCol, notNull: true},
			{name: "value", kind: floatCol, notNull: true},
			{name: "unit", kind: textCol, notNull: true},
		},
		primaryKey:  []string{"location_key", "parameter", "measured_at"},
		foreignKeys: []foreignKey{{"location_key", "locations", "location_key"}},
	},
	{
		name: "load_runs",
		columns: []column{
			{name: "run_id", kind: textCol, notNull: true},
			{name: "started_at", kind: timestampCol, notNull: true},
			{name: "finished_at", kind: timestampCol, notNull: true},
			{name: "status", kind: textCol, notNull: true},
			{name: "conflict_policy", kind: textCol, notNull: true},
			{name: "received", kind: integerCol, notNull: true},
			{name: "discarded", kind: integerCol, notNull: true},
			{name: "inserted", kind: integerCol, notNull: true},
			{name: "updated", kind: integerCol, notNull: true},
			{name: "conflicts", kind: integerCol, notNull: true},
			{name: "error", kind: textCol},
			{name: "summary", kind: textCol, notNull: true},
		},
		primaryKey: []string{"run_id"},
	},
}

var versionTable = table{
	name: "schema_version",
	columns: []column{
		{name: "version", kind: integerCol, notNull: true},
	},
	primaryKey: []string{"version"},
}

type index struct {
	table string
	stmt  string
}

// secondaryIndexes are only created alongside their table. An existing
// table is never altered.
var secondaryIndexes = []index{
	{"measurements", "CREATE INDEX IF NOT EXISTS idx_measurements_parameter_time ON measurements (parameter, measured_at)"},
	{"locations", "CREATE INDEX IF NOT EXISTS idx_locations_city ON locations (city_key)"},
	{"cities", "CREATE INDEX IF NOT EXISTS idx_cities_country ON cities (country_code)"},
}

func (t table) createSQL(d dialect) string {
	defs := make([]string, 0, len(t.columns)+len(t.foreignKeys)+1)
	for _, c := range t.columns {
		def := c.name + " " + c.kind(d)
		if c.notNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(t.primaryKey, ", ")+")")
	for _, fk := range t.foreignKeys {
		defs = append(defs, fk.clause())
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(defs, ",\n\t"))
}

func (t table) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	slices.Sort(names)
	return names
}

func (t table) foreignKeyNames() []string {
	names := make([]string, len(t.foreignKeys))
	for i, fk := range t.foreignKeys {
		names[i] = fk.String()
	}
	slices.Sort(names)
	return names
}

func declaredTable(name string) (table, bool) {
	for _, t := range tables {
		if t.name == name {
			return t, true
		}
	}
	return table{}, false
}

// SchemaManager creates and validates the schema. Ensure is idempotent and
// is cached for the lifetime of the Store.
type SchemaManager struct {
	store *Store

	mu      sync.Mutex
	ensured bool
}

func newSchemaManager(s *Store) *SchemaManager {
	return &SchemaManager{store: s}
}

// Ensured reports whether Ensure has succeeded in this session.
func (m *SchemaManager) Ensured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensured
}

// Ensure creates any missing tables and verifies existing ones. Tables that
// exist with a different column set, primary key or foreign keys, or a stored
// schema version other than SchemaVersion, yield domain.ErrSchemaMismatch and
// nothing is altered.
func (m *SchemaManager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured {
		return nil
	}

	err := m.store.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		if err := checkPragmas(ctx, tx.tx, tx.dialect); err != nil {
			return err
		}
		missing, err := checkTables(ctx, tx.tx, tx.dialect, true)
		if err != nil {
			return err
		}

		version, found, err := readVersion(ctx, tx.tx, tx.dialect)
		if err != nil {
			return err
		}
		if found && version != SchemaVersion {
			return fmt.Errorf("%w: database is at version %d, expected %d", domain.ErrSchemaMismatch, version, SchemaVersion)
		}

		for _, t := range append([]table{versionTable}, tables...) {
			if !missing[t.name] {
				continue
			}
			if _, err := tx.exec(ctx, t.createSQL(tx.dialect)); err != nil {
				return classify(fmt.Errorf("create table %s: %w", t.name, err))
			}
		}
		for _, idx := range secondaryIndexes {
			if !missing[idx.table] {
				continue
			}
			if _, err := tx.exec(ctx, idx.stmt); err != nil {
				return classify(fmt.Errorf("create index on %s: %w", idx.table, err))
			}
		}
		if !found {
			if _, err := tx.exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
				return classify(fmt.Errorf("record schema version: %w", err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.ensured = true
	m.store.logger.Info("schema ensured", "driver", m.store.dialect.driver, "version", SchemaVersion)
	return nil
}

// Check validates the schema without creating anything. Every table must
// exist with the declared columns and keys.
func (m *SchemaManager) Check(ctx context.Context) error {
	d := m.store.dialect
	if err := checkPragmas(ctx, m.store.db, d); err != nil {
		return err
	}
	if _, err := checkTables(ctx, m.store.db, d, false); err != nil {
		return err
	}
	version, found, err := readVersion(ctx, m.store.db, d)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: schema version is not recorded", domain.ErrSchemaMismatch)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: database is at version %d, expected %d", domain.ErrSchemaMismatch, version, SchemaVersion)
	}
	return nil
}

func checkPragmas(ctx context.Context, q querier, d dialect) error {
	if d.driver != DriverSQLite {
		return nil
	}
	var on int
	if err := q.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on); err != nil {
		return classify(fmt.Errorf("read foreign_keys pragma: %w", err))
	}
	if on != 1 {
		return fmt.Errorf("%w: sqlite foreign key enforcement is disabled", domain.ErrSchemaMismatch)
	}
	return nil
}

// checkTables compares each declared table with what the database holds and
// returns the names of absent ones. Absent tables are acceptable only when
// allowMissing is set.
func checkTables(ctx context.Context, q querier, d dialect, allowMissing bool) (map[string]bool, error) {
	missing := make(map[string]bool)
	for _, t := range append([]table{versionTable}, tables...) {
		got, err := tableColumns(ctx, q, d, t.name)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			if !allowMissing {
				return nil, fmt.Errorf("%w: table %s does not exist", domain.ErrSchemaMismatch, t.name)
			}
			missing[t.name] = true
			continue
		}
		if want := t.columnNames(); !slices.Equal(got, want) {
			return nil, fmt.Errorf("%w: table %s has columns %v, expected %v", domain.ErrSchemaMismatch, t.name, got, want)
		}
		if err := checkKeys(ctx, q, d, t); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func checkKeys(ctx context.Context, q querier, d dialect, t table) error {
	pk, err := queryStrings(ctx, q, d.primaryKeyQuery(), t.name)
	if err != nil {
		return err
	}
	if !slices.Equal(pk, t.primaryKey) {
		return fmt.Errorf("%w: table %s has primary key %v, expected %v", domain.ErrSchemaMismatch, t.name, pk, t.primaryKey)
	}

	fks, err := tableForeignKeys(ctx, q, d, t.name)
	if err != nil {
		return err
	}
	if want := t.foreignKeyNames(); !slices.Equal(fks, want) {
		return fmt.Errorf("%w: table %s has foreign keys %v, expected %v", domain.ErrSchemaMismatch, t.name, fks, want)
	}
	return nil
}

func tableForeignKeys(ctx context.Context, q querier, d dialect, name string) ([]string, error) {
	rows, err := q.QueryContext(ctx, d.foreignKeysQuery(), name)
	if err != nil {
		return nil, classify(fmt.Errorf("inspect foreign keys of %s: %w", name, err))
	}
	defer rows.Close()

	var fks []string
	for rows.Next() {
		var (
			fk        foreignKey
			refColumn sql.NullString
		)
		if err := rows.Scan(&fk.column, &fk.refTable, &refColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key of %s: %w", name, err)
		}
		fk.column = strings.ToLower(fk.column)
		fk.refTable = strings.ToLower(fk.refTable)
		fk.refColumn = strings.ToLower(refColumn.String)
		// sqlite leaves the target column empty when it is the parent's primary key.
		if !refColumn.Valid || fk.refColumn == "" {
			if parent, ok := declaredTable(fk.refTable); ok && len(parent.primaryKey) == 1 {
				fk.refColumn = parent.primaryKey[0]
			}
		}
		fks = append(fks, fk.String())
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("inspect foreign keys of %s: %w", name, err))
	}
	slices.Sort(fks)
	return fks, nil
}

func tableColumns(ctx context.Context, q querier, d dialect, name string) ([]string, error) {
	cols, err := queryStrings(ctx, q, d.columnsQuery(), name)
	if err != nil {
		return nil, err
	}
	slices.Sort(cols)
	return cols, nil
}

// queryStrings runs a single-column catalog query for the named table and
// returns the lowercased values in result order.
func queryStrings(ctx context.Context, q querier, query, name string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, name)
	if err != nil {
		return nil, classify(fmt.Errorf("inspect table %s: %w", name, err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan catalog row of %s: %w", name, err)
		}
		out = append(out, strings.ToLower(v))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("inspect table %s: %w", name, err))
	}
	return out, nil
}

func readVersion(ctx context.Context, q querier, d dialect) (int, bool, error) {
	cols, err := tableColumns(ctx, q, d, versionTable.name)
	if err != nil {
		return 0, false, err
	}
	if len(cols) == 0 {
		return 0, false, nil
	}
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, classify(fmt.Errorf("read schema version: %w", err))
	}
	if !v.Valid {
		return 0, false, nil
	}
	return int(v.Int64), true, nil
}
