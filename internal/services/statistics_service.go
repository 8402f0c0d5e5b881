package services

import (
	"context"
	"database/sql"

	"github.com/jonboulle/clockwork"

	"weather-pipeline/internal/models"
	"weather-pipeline/internal/repository"
	"weather-pipeline/pkg/database"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

// StatisticsService handles weather statistics calculations
type StatisticsService struct {
	db      *database.DB
	repo    repository.WeatherRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	dryRun  bool
	clock   clockwork.Clock
}

// NewStatisticsService creates a new statistics service. With dryRun set the
// recompute runs and is rolled back.
func NewStatisticsService(db *database.DB, repo repository.WeatherRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, dryRun bool) *StatisticsService {
	return &StatisticsService{
		db:      db,
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
		dryRun:  dryRun,
		clock:   clockwork.NewRealClock(),
	}
}

// WithClock replaces the clock used to stamp successful runs
func (s *StatisticsService) WithClock(clock clockwork.Clock) *StatisticsService {
	s.clock = clock
	return s
}

// CalculateAllStatistics recomputes the yearly aggregates of every station
// from the raw observations and returns the number of station-year rows
// written. The recompute is one transaction; on failure nothing changes.
func (s *StatisticsService) CalculateAllStatistics(ctx context.Context) (int, error) {
	timer := s.metrics.NewTimer(s.metrics.StatsCalculationDuration)

	s.logger.Info(ctx, "[STATS_CALC_START] Starting statistics calculation", logging.Fields{
		"dry_run": s.dryRun,
		"stage":   "INITIALIZATION",
	})

	opts := s.db.Dialect().TxOptions(sql.LevelRepeatableRead)
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return 0, &TransactionError{Op: "begin statistics", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	written, err := s.repo.RecomputeStatistics(ctx, tx)
	if err != nil {
		s.logger.Error(ctx, "[STATS_CALC_ERROR] Failed to calculate statistics", logging.Fields{
			"stage": "CALCULATION",
		}, err)
		return 0, &TransactionError{Op: "recompute statistics", Err: err}
	}

	if s.dryRun {
		duration := timer.ObserveDuration()
		s.logger.Info(ctx, "[STATS_CALC_DRY_RUN] Statistics calculated and rolled back", logging.Fields{
			"total_statistics": written,
			"duration_seconds": duration.Seconds(),
			"stage":            "COMPLETE",
		})
		return int(written), nil
	}

	if err := tx.Commit(); err != nil {
		return 0, &TransactionError{Op: "commit statistics", Err: err}
	}
	committed = true

	duration := timer.ObserveDuration()
	s.metrics.StatsRowsWritten.Set(float64(written))
	s.metrics.MarkSuccess("stats", s.clock.Now())

	s.logger.Info(ctx, "[STATS_CALC_COMPLETE] Statistics calculation completed", logging.Fields{
		"total_statistics": written,
		"duration_seconds": duration.Seconds(),
		"stage":            "COMPLETE",
	})

	return int(written), nil
}

// GetStatistics retrieves statistics with filtering
func (s *StatisticsService) GetStatistics(ctx context.Context, filter repository.StatisticsFilter) ([]models.YearlyStatistic, int, error) {
	return s.repo.GetStatistics(ctx, filter)
}
