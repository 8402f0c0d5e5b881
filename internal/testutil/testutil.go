// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"weather-pipeline/pkg/database"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

// OpenSQLite returns a migrated database in a temp directory. The handle is
// closed when the test ends.
func OpenSQLite(t testing.TB, logger *logging.StructuredLogger, m *metrics.Collector) *database.DB {
	t.Helper()

	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}

	db, err := database.New(&database.Config{
		Driver: database.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "weather.db"),
	}, logger, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.ApplySchema(context.Background()))
	return db
}

// NewMetrics returns a collector on a private registry
func NewMetrics() *metrics.Collector {
	return metrics.NewCollector("test", prometheus.NewRegistry())
}

// WriteStationFile writes lines as a station file named name under dir and
// returns its path.
func WriteStationFile(t testing.TB, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Count returns SELECT COUNT(*) for table
func Count(t testing.TB, db *database.DB, table string) int {
	t.Helper()

	var n int
	require.NoError(t, db.DB().Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}
