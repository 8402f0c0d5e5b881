package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"weather-pipeline/internal/models"
	"weather-pipeline/internal/parser"
	"weather-pipeline/internal/repository"
	"weather-pipeline/internal/tracker"
	"weather-pipeline/pkg/database"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

const (
	DefaultExtension = ".txt"
	DefaultBatchSize = 1000
)

// IngestOptions tunes a directory ingestion run
type IngestOptions struct {
	// Extension selects candidate files, including the leading dot
	Extension string
	// BatchSize is the number of observations per insert statement
	BatchSize int
	// Workers bounds how many files are ingested at once
	Workers int
	// DryRun rolls back every file transaction instead of committing
	DryRun bool
	// Clock stamps ingested_at and measures elapsed time
	Clock clockwork.Clock
}

func (o IngestOptions) withDefaults() IngestOptions {
	if o.Extension == "" {
		o.Extension = DefaultExtension
	}
	if !strings.HasPrefix(o.Extension, ".") {
		o.Extension = "." + o.Extension
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// IngestionService loads station files into the raw observation table
type IngestionService struct {
	db      *database.DB
	repo    repository.WeatherRepository
	tracker *tracker.Tracker
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	opts    IngestOptions
}

// IngestionResult contains ingestion statistics. In a dry run the record
// counts describe what would have been written.
type IngestionResult struct {
	RunID            string
	DryRun           bool
	FilesFound       int
	FilesProcessed   int
	FilesSkipped     int
	RecordsParsed    int64
	RecordsInserted  int64
	RecordsDuplicate int64
	Duration         time.Duration
}

// fileResult contains per-file ingestion statistics
type fileResult struct {
	skipped  bool
	parsed   int64
	inserted int64
}

// TransactionError reports a database failure inside a transaction, which
// has been rolled back. File is empty for the statistics recompute.
type TransactionError struct {
	File string
	Op   string
	Err  error
}

func (e *TransactionError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.File, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsTransient returns true: nothing was committed, so the next run retries
// the whole unit.
func (e *TransactionError) IsTransient() bool {
	return true
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(
	db *database.DB,
	repo repository.WeatherRepository,
	tr *tracker.Tracker,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	opts IngestOptions,
) *IngestionService {
	return &IngestionService{
		db:      db,
		repo:    repo,
		tracker: tr,
		logger:  logger,
		metrics: metricsCollector,
		opts:    opts.withDefaults(),
	}
}

// IngestDirectory ingests every untracked station file in dataDir. Each file
// is committed atomically together with its tracking row. The first parse or
// database error stops the run; files committed before it stay committed.
func (s *IngestionService) IngestDirectory(ctx context.Context, dataDir string) (*IngestionResult, error) {
	result := &IngestionResult{
		RunID:  ulid.Make().String(),
		DryRun: s.opts.DryRun,
	}
	ctx = logging.WithRunID(ctx, result.RunID)
	start := s.opts.Clock.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting data ingestion", logging.Fields{
		"data_dir":   dataDir,
		"batch_size": s.opts.BatchSize,
		"workers":    s.opts.Workers,
		"dry_run":    s.opts.DryRun,
		"stage":      "INITIALIZATION",
	})

	files, err := parser.StationFiles(dataDir, s.opts.Extension)
	if err != nil {
		s.metrics.RecordIngestionError("directory_error")
		return nil, err
	}
	result.FilesFound = len(files)

	s.logger.Info(ctx, "[INGEST_FILES] Found data files", logging.Fields{
		"file_count": len(files),
		"stage":      "FILE_DISCOVERY",
	})

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, filePath := range files {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			fr, err := s.ingestFile(gctx, filePath)
			if err != nil {
				s.metrics.RecordFile("failed")
				s.logger.Error(gctx, "[INGEST_FILE_ERROR] File ingestion failed", logging.Fields{
					"file_path": filePath,
					"stage":     "FILE_PROCESSING",
				}, err)
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if fr.skipped {
				result.FilesSkipped++
				return nil
			}
			result.FilesProcessed++
			result.RecordsParsed += fr.parsed
			result.RecordsInserted += fr.inserted
			result.RecordsDuplicate += fr.parsed - fr.inserted
			return nil
		})
	}

	err = g.Wait()
	result.Duration = s.opts.Clock.Since(start)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	if err == nil {
		// a cancelled parent stops scheduling without any file failing
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Error(ctx, "[INGEST_ABORTED] Data ingestion stopped", logging.Fields{
			"files_processed":  result.FilesProcessed,
			"files_skipped":    result.FilesSkipped,
			"records_inserted": result.RecordsInserted,
			"duration_seconds": result.Duration.Seconds(),
			"stage":            "ABORTED",
		}, err)
		return result, err
	}

	if !s.opts.DryRun {
		s.metrics.MarkSuccess("ingest", s.opts.Clock.Now())
	}

	fields := logging.Fields{
		"total_files":       result.FilesFound,
		"files_processed":   result.FilesProcessed,
		"files_skipped":     result.FilesSkipped,
		"records_parsed":    result.RecordsParsed,
		"records_inserted":  result.RecordsInserted,
		"records_duplicate": result.RecordsDuplicate,
		"dry_run":           result.DryRun,
		"duration_seconds":  result.Duration.Seconds(),
		"stage":             "COMPLETE",
	}
	if secs := result.Duration.Seconds(); secs > 0 {
		fields["records_per_second"] = float64(result.RecordsInserted) / secs
	}
	s.logger.Info(ctx, "[INGEST_COMPLETE] Data ingestion completed", fields)

	return result, nil
}

// ingestFile loads one station file inside a single transaction
func (s *IngestionService) ingestFile(ctx context.Context, filePath string) (*fileResult, error) {
	fileName := filepath.Base(filePath)
	stationID := parser.StationID(filePath)

	done, err := s.tracker.IsIngested(ctx, s.db.DB(), fileName)
	if err != nil {
		s.metrics.RecordIngestionError("database_error")
		return nil, &TransactionError{File: fileName, Op: "check tracker", Err: err}
	}
	if done {
		s.logSkip(ctx, fileName, "already ingested")
		return &fileResult{skipped: true}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.RecordIngestionError("database_error")
		return nil, &TransactionError{File: fileName, Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.repo.CreateStation(ctx, tx, &models.Station{ID: stationID}); err != nil {
		s.metrics.RecordIngestionError("database_error")
		return nil, &TransactionError{File: fileName, Op: "insert station", Err: err}
	}

	result := &fileResult{}
	batch := make([]models.Observation, 0, s.opts.BatchSize)

	for obs, err := range parser.Records(filePath) {
		if err != nil {
			s.metrics.RecordIngestionError("parse_error")
			return nil, err
		}
		result.parsed++

		batch = append(batch, obs)
		if len(batch) >= s.opts.BatchSize {
			if err := s.flush(ctx, tx, fileName, batch, result); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}

	if err := s.flush(ctx, tx, fileName, batch, result); err != nil {
		return nil, err
	}

	err = s.tracker.MarkIngested(ctx, tx, fileName, s.opts.Clock.Now())
	if errors.Is(err, tracker.ErrAlreadyIngested) {
		s.logSkip(ctx, fileName, "ingested concurrently")
		return &fileResult{skipped: true}, nil
	}
	if err != nil {
		s.metrics.RecordIngestionError("database_error")
		return nil, &TransactionError{File: fileName, Op: "mark ingested", Err: err}
	}

	fields := logging.Fields{
		"file_name":         fileName,
		"station_id":        stationID,
		"records_parsed":    result.parsed,
		"records_inserted":  result.inserted,
		"records_duplicate": result.parsed - result.inserted,
		"stage":             "FILE_COMPLETE",
	}

	if s.opts.DryRun {
		s.metrics.RecordFile("dry_run")
		s.logger.Info(ctx, "[INGEST_FILE_DRY_RUN] File rolled back", fields)
		return result, nil
	}

	if err := tx.Commit(); err != nil {
		s.metrics.RecordIngestionError("database_error")
		return nil, &TransactionError{File: fileName, Op: "commit", Err: err}
	}
	committed = true

	s.metrics.RecordFile("processed")
	s.metrics.IngestionRecordsTotal.Add(float64(result.inserted))
	s.metrics.IngestionDuplicatesTotal.Add(float64(result.parsed - result.inserted))
	s.logger.Info(ctx, "[INGEST_FILE_SUCCESS] File ingested successfully", fields)

	return result, nil
}

func (s *IngestionService) flush(ctx context.Context, tx *sqlx.Tx, fileName string, batch []models.Observation, result *fileResult) error {
	if len(batch) == 0 {
		return nil
	}
	n, err := s.repo.InsertObservations(ctx, tx, batch)
	if err != nil {
		s.metrics.RecordIngestionError("database_error")
		return &TransactionError{File: fileName, Op: "insert observations", Err: err}
	}
	result.inserted += n
	return nil
}

func (s *IngestionService) logSkip(ctx context.Context, fileName, reason string) {
	s.metrics.RecordFile("skipped")
	s.logger.Info(ctx, "[INGEST_FILE_SKIP] Skipping file", logging.Fields{
		"file_name": fileName,
		"reason":    reason,
		"stage":     "FILE_PROCESSING",
	})
}
