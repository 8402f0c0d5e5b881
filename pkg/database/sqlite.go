package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return DriverSQLite }

func (sqliteDialect) InsertIgnore(table string, columns, _ []string, rows int) string {
	return fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES %s",
		table,
		strings.Join(columns, ", "),
		valuesClause(len(columns), rows),
	)
}

// UpsertSelect uses OR REPLACE, which deletes the conflicting row before
// inserting. Nothing references weather_stats, so the new row id is harmless.
func (sqliteDialect) UpsertSelect(table string, columns, _ []string, selectSQL string) string {
	return fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) %s",
		table,
		strings.Join(columns, ", "),
		selectSQL,
	)
}

func (sqliteDialect) YearOf(column string) string {
	return fmt.Sprintf("CAST(strftime('%%Y', %s) AS INTEGER)", column)
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(se.Error(), "UNIQUE constraint failed")
}

// TxOptions ignores the requested level: SQLite transactions are always
// serializable and the driver rejects explicit isolation levels.
func (sqliteDialect) TxOptions(sql.IsolationLevel) *sql.TxOptions {
	return nil
}

func (sqliteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS station (
			id        TEXT PRIMARY KEY,
			name      TEXT,
			latitude  REAL,
			longitude REAL,
			state     TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS weather_raw (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			station_id    TEXT NOT NULL REFERENCES station(id),
			date          DATE NOT NULL,
			tmax          INTEGER,
			tmin          INTEGER,
			precipitation INTEGER,
			CONSTRAINT uix_weather_raw_station_date UNIQUE (station_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weather_raw_date ON weather_raw(date)`,
		`CREATE TABLE IF NOT EXISTS weather_stats (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			station_id   TEXT NOT NULL REFERENCES station(id),
			year         INTEGER NOT NULL,
			avg_tmax     REAL,
			avg_tmin     REAL,
			total_precip REAL,
			CONSTRAINT uix_weather_stats_station_year UNIQUE (station_id, year)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weather_stats_year ON weather_stats(year)`,
		`CREATE TABLE IF NOT EXISTS ingested_file (
			file_name   TEXT PRIMARY KEY,
			ingested_at TIMESTAMP NOT NULL
		)`,
	}
}

func (sqliteDialect) DropSchema() []string { return dropStatements }

// sqliteDSN strips an optional sqlite:// scheme and turns on foreign keys
// and a busy timeout for every connection the pool opens.
func sqliteDSN(url string) string {
	dsn := strings.TrimPrefix(url, "sqlite://")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
