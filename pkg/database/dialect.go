package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// Driver names accepted in Config.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Dialect hides the SQL differences between storage backends. Queries are
// written with '?' placeholders and rebound by sqlx for the target driver.
type Dialect interface {
	// Name returns the database/sql driver name.
	Name() string

	// InsertIgnore builds a multi-row INSERT for rows rows that leaves any
	// existing row with the same conflict key untouched.
	InsertIgnore(table string, columns, conflict []string, rows int) string

	// UpsertSelect builds an INSERT ... SELECT that overwrites the non-key
	// columns of rows whose conflict key already exists.
	UpsertSelect(table string, columns, conflict []string, selectSQL string) string

	// YearOf returns an integer expression extracting the calendar year of a date column.
	YearOf(column string) string

	// IsUniqueViolation reports whether err is a primary key or unique constraint failure.
	IsUniqueViolation(err error) bool

	// TxOptions maps a requested isolation level onto what the backend supports.
	TxOptions(level sql.IsolationLevel) *sql.TxOptions

	// Schema returns the idempotent DDL for all pipeline tables.
	Schema() []string

	// DropSchema returns statements removing all pipeline tables.
	DropSchema() []string
}

// DialectFor returns the dialect registered for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect{}, nil
	case DriverSQLite:
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// valuesClause renders "(?, ?), (?, ?)" for rows rows of width columns.
func valuesClause(width, rows int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"

	var b strings.Builder
	b.Grow(rows * (len(row) + 2))
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	return b.String()
}

// nonKey returns the columns not part of the conflict key.
func nonKey(columns, conflict []string) []string {
	key := make(map[string]bool, len(conflict))
	for _, c := range conflict {
		key[c] = true
	}
	var out []string
	for _, c := range columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

var dropStatements = []string{
	`DROP TABLE IF EXISTS weather_stats`,
	`DROP TABLE IF EXISTS weather_raw`,
	`DROP TABLE IF EXISTS ingested_file`,
	`DROP TABLE IF EXISTS station`,
}
