package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type postgresDialect struct{}

func (postgresDialect) Name() string { return DriverPostgres }

func (postgresDialect) InsertIgnore(table string, columns, conflict []string, rows int) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
		table,
		strings.Join(columns, ", "),
		valuesClause(len(columns), rows),
		strings.Join(conflict, ", "),
	)
}

func (postgresDialect) UpsertSelect(table string, columns, conflict []string, selectSQL string) string {
	sets := make([]string, 0, len(columns))
	for _, c := range nonKey(columns, conflict) {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) %s ON CONFLICT (%s) DO UPDATE SET %s",
		table,
		strings.Join(columns, ", "),
		selectSQL,
		strings.Join(conflict, ", "),
		strings.Join(sets, ", "),
	)
}

func (postgresDialect) YearOf(column string) string {
	return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", column)
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (postgresDialect) TxOptions(level sql.IsolationLevel) *sql.TxOptions {
	return &sql.TxOptions{Isolation: level}
}

func (postgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS station (
			id        TEXT PRIMARY KEY,
			name      TEXT,
			latitude  DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			state     TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS weather_raw (
			id            BIGSERIAL PRIMARY KEY,
			station_id    TEXT NOT NULL REFERENCES station(id),
			date          DATE NOT NULL,
			tmax          INTEGER,
			tmin          INTEGER,
			precipitation INTEGER,
			CONSTRAINT uix_weather_raw_station_date UNIQUE (station_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weather_raw_date ON weather_raw(date)`,
		`CREATE TABLE IF NOT EXISTS weather_stats (
			id           BIGSERIAL PRIMARY KEY,
			station_id   TEXT NOT NULL REFERENCES station(id),
			year         INTEGER NOT NULL,
			avg_tmax     DOUBLE PRECISION,
			avg_tmin     DOUBLE PRECISION,
			total_precip DOUBLE PRECISION,
			CONSTRAINT uix_weather_stats_station_year UNIQUE (station_id, year)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weather_stats_year ON weather_stats(year)`,
		`CREATE TABLE IF NOT EXISTS ingested_file (
			file_name   TEXT PRIMARY KEY,
			ingested_at TIMESTAMPTZ NOT NULL
		)`,
	}
}

func (postgresDialect) DropSchema() []string { return dropStatements }

// postgresDSN builds a lib/pq key/value connection string.
func postgresDSN(cfg *Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)
}
