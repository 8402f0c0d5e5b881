package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"weather-pipeline/internal/models"
	"weather-pipeline/internal/parser"
	"weather-pipeline/internal/repository"
	"weather-pipeline/internal/testutil"
	"weather-pipeline/internal/tracker"
	"weather-pipeline/pkg/database"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var st001 = []string{
	"20200101\t200\t50\t100",
	"20200102\t250\t100\t-9999",
}

type fixture struct {
	db      *database.DB
	repo    repository.WeatherRepository
	tracker *tracker.Tracker
	logger  *logging.StructuredLogger
	logs    *observer.ObservedLogs
	metrics *metrics.Collector
	clock   *clockwork.FakeClock
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := logging.NewWithCore(core)
	m := testutil.NewMetrics()
	db := testutil.OpenSQLite(t, logger, m)

	return &fixture{
		db:      db,
		repo:    repository.NewWeatherRepository(db, logger, m),
		tracker: tracker.New(db.Dialect()),
		logger:  logger,
		logs:    logs,
		metrics: m,
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)),
		dir:     t.TempDir(),
	}
}

func (f *fixture) ingestion(opts IngestOptions) *IngestionService {
	if opts.Clock == nil {
		opts.Clock = f.clock
	}
	return NewIngestionService(f.db, f.repo, f.tracker, f.logger, f.metrics, opts)
}

func (f *fixture) statistics(dryRun bool) *StatisticsService {
	return NewStatisticsService(f.db, f.repo, f.logger, f.metrics, dryRun).WithClock(f.clock)
}

// failInsert aborts inserts into table whose new row satisfies when
func (f *fixture) failInsert(t *testing.T, table, when string) {
	t.Helper()
	_, err := f.db.DB().Exec(fmt.Sprintf(
		`CREATE TRIGGER fail_%s BEFORE INSERT ON %s WHEN %s BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`,
		table, table, when))
	require.NoError(t, err)
}

func (f *fixture) allStatistics(t *testing.T) []models.YearlyStatistic {
	t.Helper()
	stats, _, err := f.repo.GetStatistics(context.Background(), repository.StatisticsFilter{Limit: 1000})
	require.NoError(t, err)
	return stats
}

func TestIngestDirectory_WorkedExample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	result, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFound)
	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, int64(2), result.RecordsParsed)
	assert.Equal(t, int64(2), result.RecordsInserted)
	assert.Zero(t, result.RecordsDuplicate)
	assert.Len(t, result.RunID, 26)

	station, err := f.repo.GetStation(ctx, "ST001")
	require.NoError(t, err)
	assert.Nil(t, station.Name)

	written, err := f.statistics(false).CalculateAllStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	stats := f.allStatistics(t)
	require.Len(t, stats, 1)
	assert.Equal(t, "ST001", stats[0].StationID)
	assert.Equal(t, 2020, stats[0].Year)
	assert.InDelta(t, 22.5, *stats[0].AvgTMax, 1e-9)
	assert.InDelta(t, 7.5, *stats[0].AvgTMin, 1e-9)
	assert.InDelta(t, 1.0, *stats[0].TotalPrecip, 1e-9)

	assert.Equal(t, float64(2), promtest.ToFloat64(f.metrics.IngestionRecordsTotal))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.IngestionFilesTotal.WithLabelValues("processed")))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.StatsRowsWritten))

	files, err := f.tracker.List(ctx, f.db.DB())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, f.clock.Now().Equal(files[0].IngestedAt))

	// every log line of the run carries its id
	for _, entry := range f.logs.FilterMessageSnippet("[INGEST_").All() {
		assert.Equal(t, result.RunID, entry.ContextMap()["run_id"], entry.Message)
	}
}

func TestIngestDirectory_SecondRunSkipsTrackedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	svc := f.ingestion(IngestOptions{})
	_, err := svc.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)

	again, err := svc.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, again.FilesFound)
	assert.Equal(t, 1, again.FilesSkipped)
	assert.Zero(t, again.FilesProcessed)
	assert.Zero(t, again.RecordsInserted)

	skips := f.logs.FilterMessageSnippet("[INGEST_FILE_SKIP]").All()
	require.Len(t, skips, 1)
	assert.Equal(t, "ST001.txt", skips[0].ContextMap()["file_name"])

	assert.Equal(t, 2, testutil.Count(t, f.db, "weather_raw"))
}

func TestIngestDirectory_MalformedFileRollsBackAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)
	testutil.WriteStationFile(t, f.dir, "ST002.txt", "20200101\t1\t2\t3", "not a record")
	testutil.WriteStationFile(t, f.dir, "ST003.txt", "20200101\t1\t2\t3")

	result, err := f.ingestion(IngestOptions{BatchSize: 1}).IngestDirectory(ctx, f.dir)
	require.Error(t, err)

	var pe *parser.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "ST002.txt", pe.File)
	assert.Equal(t, 2, pe.Line)

	// files before the bad one stay committed; the bad one and later ones are untouched
	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 2, testutil.Count(t, f.db, "weather_raw"))
	assert.Equal(t, 1, testutil.Count(t, f.db, "station"))

	for name, want := range map[string]bool{"ST001.txt": true, "ST002.txt": false, "ST003.txt": false} {
		got, err := f.tracker.IsIngested(ctx, f.db.DB(), name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.IngestionErrorsTotal.WithLabelValues("parse_error")))
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("[INGEST_ABORTED]").Len())
}

func TestIngestDirectory_DatabaseErrorRollsBackAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)
	testutil.WriteStationFile(t, f.dir, "ST002.txt", "20200101\t1\t2\t3")
	f.failInsert(t, "ingested_file", "1")

	result, err := f.ingestion(IngestOptions{Workers: 1}).IngestDirectory(ctx, f.dir)
	require.Error(t, err)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "ST001.txt", txErr.File)
	assert.Equal(t, "mark ingested", txErr.Op)
	assert.Contains(t, err.Error(), "disk I/O error")

	assert.Zero(t, result.FilesProcessed)
	assert.Zero(t, testutil.Count(t, f.db, "weather_raw"))
	assert.Zero(t, testutil.Count(t, f.db, "station"))
	assert.Zero(t, testutil.Count(t, f.db, "ingested_file"))

	// the failure stops the run before the next file is opened
	for _, entry := range f.logs.All() {
		fields := entry.ContextMap()
		assert.NotContains(t, fmt.Sprint(fields["file_name"], fields["file_path"]), "ST002", entry.Message)
	}
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.IngestionErrorsTotal.WithLabelValues("database_error")))
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("[INGEST_ABORTED]").Len())
}

func TestIngestDirectory_ConcurrentlyTrackedFileIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	// another run records the file between the tracking check and the commit
	_, err := f.db.DB().Exec(`CREATE TRIGGER track_station AFTER INSERT ON station BEGIN
		INSERT INTO ingested_file (file_name, ingested_at) VALUES (NEW.id || '.txt', CURRENT_TIMESTAMP);
	END`)
	require.NoError(t, err)

	result, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesSkipped)
	assert.Zero(t, result.FilesProcessed)
	assert.Zero(t, result.RecordsInserted)

	skips := f.logs.FilterMessageSnippet("[INGEST_FILE_SKIP]").All()
	require.Len(t, skips, 1)
	assert.Equal(t, "ST001.txt", skips[0].ContextMap()["file_name"])
	assert.Equal(t, "ingested concurrently", skips[0].ContextMap()["reason"])
	assert.Zero(t, f.logs.FilterMessageSnippet("[INGEST_FILE_ERROR]").Len())

	// the skipped transaction is rolled back, including the row the trigger added
	assert.Zero(t, testutil.Count(t, f.db, "weather_raw"))
	assert.Zero(t, testutil.Count(t, f.db, "ingested_file"))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.IngestionFilesTotal.WithLabelValues("skipped")))
}

func TestIngestDirectory_FixedFileIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := testutil.WriteStationFile(t, f.dir, "ST002.txt", "20200101\t1\t2\t3", "broken")

	svc := f.ingestion(IngestOptions{})
	_, err := svc.IngestDirectory(ctx, f.dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("20200101\t1\t2\t3\n20200102\t4\t5\t6\n"), 0o644))

	result, err := svc.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RecordsInserted)
}

func TestIngestDirectory_DryRunLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)
	testutil.WriteStationFile(t, f.dir, "ST002.txt", "19990101\t1\t2\t3")

	result, err := f.ingestion(IngestOptions{DryRun: true}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.FilesProcessed)
	assert.Equal(t, int64(3), result.RecordsInserted)

	for _, table := range []string{"station", "weather_raw", "ingested_file", "weather_stats"} {
		assert.Zero(t, testutil.Count(t, f.db, table), table)
	}
	assert.Equal(t, float64(2), promtest.ToFloat64(f.metrics.IngestionFilesTotal.WithLabelValues("dry_run")))
	assert.Zero(t, promtest.ToFloat64(f.metrics.IngestionRecordsTotal))
}

func TestIngestDirectory_DuplicateDatesAreNotCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt",
		"20200101\t200\t50\t100",
		"20200101\t999\t999\t999",
		"20200102\t250\t100\t-9999",
	)

	result, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RecordsParsed)
	assert.Equal(t, int64(2), result.RecordsInserted)
	assert.Equal(t, int64(1), result.RecordsDuplicate)

	rows, _, err := f.repo.GetObservations(ctx, repository.ObservationFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 200, *rows[0].TMax)
}

func TestIngestDirectory_BatchBoundaries(t *testing.T) {
	for _, batch := range []int{1, 2, 3, 1000} {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			f := newFixture(t)
			testutil.WriteStationFile(t, f.dir, "ST001.txt",
				"20200101\t1\t1\t1",
				"20200102\t2\t2\t2",
				"20200103\t3\t3\t3",
			)

			result, err := f.ingestion(IngestOptions{BatchSize: batch}).IngestDirectory(context.Background(), f.dir)
			require.NoError(t, err)
			assert.Equal(t, int64(3), result.RecordsInserted)
			assert.Equal(t, 3, testutil.Count(t, f.db, "weather_raw"))
		})
	}
}

func TestIngestDirectory_ParallelWorkers(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 6; i++ {
		testutil.WriteStationFile(t, f.dir, fmt.Sprintf("ST%03d.txt", i), st001...)
	}

	result, err := f.ingestion(IngestOptions{Workers: 3}).IngestDirectory(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Equal(t, 6, result.FilesProcessed)
	assert.Equal(t, int64(12), result.RecordsInserted)
	assert.Equal(t, 6, testutil.Count(t, f.db, "ingested_file"))
	assert.Equal(t, 6, testutil.Count(t, f.db, "station"))
}

func TestIngestDirectory_FileSelection(t *testing.T) {
	f := newFixture(t)
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)
	testutil.WriteStationFile(t, f.dir, "README.md", "not weather")
	testutil.WriteStationFile(t, f.dir, "ST002.csv", "garbage")
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "nested.txt"), 0o755))

	result, err := f.ingestion(IngestOptions{}).IngestDirectory(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFound)

	csv, err := f.ingestion(IngestOptions{Extension: "csv"}).IngestDirectory(context.Background(), f.dir)
	require.Error(t, err)
	assert.Equal(t, 1, csv.FilesFound)
}

func TestIngestDirectory_EmptyAndMissingDirectories(t *testing.T) {
	f := newFixture(t)

	result, err := f.ingestion(IngestOptions{}).IngestDirectory(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Zero(t, result.FilesFound)
	assert.Zero(t, result.RecordsInserted)

	_, err = f.ingestion(IngestOptions{}).IngestDirectory(context.Background(), filepath.Join(f.dir, "absent"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIngestDirectory_CancelledContext(t *testing.T) {
	f := newFixture(t)
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.FilesProcessed)
	assert.Zero(t, testutil.Count(t, f.db, "ingested_file"))
}

func TestCalculateAllStatistics_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", append(st001, "20210301\t-30\t-80\t5")...)
	testutil.WriteStationFile(t, f.dir, "ST002.txt", "20200101\t100\t0\t0")

	_, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)

	svc := f.statistics(false)
	n1, err := svc.CalculateAllStatistics(ctx)
	require.NoError(t, err)
	first := f.allStatistics(t)

	n2, err := svc.CalculateAllStatistics(ctx)
	require.NoError(t, err)
	second := f.allStatistics(t)

	assert.Equal(t, 3, n1)
	assert.Equal(t, n1, n2)
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(models.YearlyStatistic{}, "ID")); diff != "" {
		t.Errorf("second recompute changed statistics (-first +second):\n%s", diff)
	}
}

func TestCalculateAllStatistics_ExcludesMissingValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt",
		"20200101\t100\t-9999\t-9999",
		"20200102\t-9999\t-9999\t-9999",
		"20200103\t300\t-9999\t-9999",
	)

	_, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	_, err = f.statistics(false).CalculateAllStatistics(ctx)
	require.NoError(t, err)

	stats := f.allStatistics(t)
	require.Len(t, stats, 1)
	assert.InDelta(t, 20.0, *stats[0].AvgTMax, 1e-9)
	assert.Nil(t, stats[0].AvgTMin)
	assert.Nil(t, stats[0].TotalPrecip)
}

func TestCalculateAllStatistics_PicksUpNewObservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	ingest := f.ingestion(IngestOptions{})
	_, err := ingest.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	_, err = f.statistics(false).CalculateAllStatistics(ctx)
	require.NoError(t, err)

	testutil.WriteStationFile(t, f.dir, "ST002.txt", "20200101\t10\t10\t10")
	_, err = ingest.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	n, err := f.statistics(false).CalculateAllStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.allStatistics(t), 2)
}

func TestCalculateAllStatistics_DryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	_, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)

	n, err := f.statistics(true).CalculateAllStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, testutil.Count(t, f.db, "weather_stats"))
}

func TestCalculateAllStatistics_FailureKeepsPreviousRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	ingest := f.ingestion(IngestOptions{})
	_, err := ingest.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	_, err = f.statistics(false).CalculateAllStatistics(ctx)
	require.NoError(t, err)
	before := f.allStatistics(t)
	stampedAt := f.clock.Now()

	testutil.WriteStationFile(t, f.dir, "ST002.txt", "20200101\t10\t10\t10")
	_, err = ingest.IngestDirectory(ctx, f.dir)
	require.NoError(t, err)
	f.failInsert(t, "weather_stats", "NEW.station_id = 'ST002'")
	f.clock.Advance(time.Hour)

	n, err := f.statistics(false).CalculateAllStatistics(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "recompute statistics", txErr.Op)
	assert.Empty(t, txErr.File)

	after := f.allStatistics(t)
	require.Len(t, after, 1)
	assert.InDelta(t, 22.5, *after[0].AvgTMax, 1e-9)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("failed recompute changed statistics (-before +after):\n%s", diff)
	}

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.StatsRowsWritten))
	assert.Equal(t, float64(stampedAt.Unix()),
		promtest.ToFloat64(f.metrics.LastSuccessTimestamp.WithLabelValues("stats")))
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("[STATS_CALC_ERROR]").Len())
}

func TestCalculateAllStatistics_StampsSuccessWithClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteStationFile(t, f.dir, "ST001.txt", st001...)

	_, err := f.ingestion(IngestOptions{}).IngestDirectory(ctx, f.dir)
	require.NoError(t, err)

	f.clock.Advance(90 * time.Minute)
	_, err = f.statistics(false).CalculateAllStatistics(ctx)
	require.NoError(t, err)

	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, float64(want.Unix()),
		promtest.ToFloat64(f.metrics.LastSuccessTimestamp.WithLabelValues("stats")))

	// a dry run leaves the stamp alone
	f.clock.Advance(time.Hour)
	_, err = f.statistics(true).CalculateAllStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(want.Unix()),
		promtest.ToFloat64(f.metrics.LastSuccessTimestamp.WithLabelValues("stats")))
}

func TestTransactionError(t *testing.T) {
	cause := errors.New("connection reset")

	err := &TransactionError{File: "ST001.txt", Op: "commit", Err: cause}
	assert.Equal(t, "ST001.txt: commit failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsTransient())

	err = &TransactionError{Op: "begin statistics", Err: cause}
	assert.Equal(t, "begin statistics failed: connection reset", err.Error())
}
