package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"weather-pipeline/internal/models"
	"weather-pipeline/pkg/database"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

// WeatherRepository provides data access for weather data. Write operations
// take the transaction they run in; reads use the shared handle.
type WeatherRepository interface {
	// Station operations
	CreateStation(ctx context.Context, q sqlx.ExtContext, station *models.Station) error
	GetStation(ctx context.Context, stationID string) (*models.Station, error)
	ListStations(ctx context.Context, limit, offset int) ([]models.Station, error)

	// Observation operations
	InsertObservations(ctx context.Context, q sqlx.ExtContext, observations []models.Observation) (int64, error)
	GetObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, int, error)

	// Statistics operations
	RecomputeStatistics(ctx context.Context, q sqlx.ExtContext) (int64, error)
	GetStatistics(ctx context.Context, filter StatisticsFilter) ([]models.YearlyStatistic, int, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// ObservationFilter defines filters for querying observations
type ObservationFilter struct {
	StationID *string
	Date      *models.Date
	Limit     int
	Offset    int
}

// StatisticsFilter defines filters for querying statistics
type StatisticsFilter struct {
	StationID *string
	Year      *int
	Limit     int
	Offset    int
}

var (
	observationColumns = []string{"station_id", "date", "tmax", "tmin", "precipitation"}
	statisticsColumns  = []string{"station_id", "year", "avg_tmax", "avg_tmin", "total_precip"}
)

// weatherRepository implements WeatherRepository
type weatherRepository struct {
	db      *database.DB
	dialect database.Dialect
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherRepository creates a new weather repository
func NewWeatherRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WeatherRepository {
	return &weatherRepository{
		db:      db,
		dialect: db.Dialect(),
		logger:  logger,
		metrics: metricsCollector,
	}
}

// CreateStation inserts the station unless it already exists
func (r *weatherRepository) CreateStation(ctx context.Context, q sqlx.ExtContext, station *models.Station) error {
	query := r.dialect.InsertIgnore("station",
		[]string{"id", "name", "latitude", "longitude", "state"},
		[]string{"id"}, 1)

	_, err := q.ExecContext(ctx, q.Rebind(query),
		station.ID,
		station.Name,
		station.Latitude,
		station.Longitude,
		station.State,
	)
	if err != nil {
		return fmt.Errorf("failed to create station: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_CREATE_STATION] Station ensured", logging.Fields{
		"station_id": station.ID,
	})

	return nil
}

// GetStation retrieves a weather station by ID
func (r *weatherRepository) GetStation(ctx context.Context, stationID string) (*models.Station, error) {
	query := `
		SELECT id, name, latitude, longitude, state
		FROM station
		WHERE id = ?
	`

	var station models.Station
	err := r.db.GetContext(ctx, "get_station", &station, query, stationID)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "station",
			ID:       stationID,
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get station: %w", err)
	}

	return &station, nil
}

// ListStations retrieves weather stations with pagination
func (r *weatherRepository) ListStations(ctx context.Context, limit, offset int) ([]models.Station, error) {
	query := `
		SELECT id, name, latitude, longitude, state
		FROM station
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	stations := []models.Station{}
	err := r.db.SelectContext(ctx, "list_stations", &stations, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}

	return stations, nil
}

// InsertObservations writes observations in one multi-row statement,
// leaving rows whose (station_id, date) already exists untouched. It returns
// the number of rows actually inserted.
func (r *weatherRepository) InsertObservations(ctx context.Context, q sqlx.ExtContext, observations []models.Observation) (int64, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.IngestionBatchSize.Observe(float64(len(observations)))
		r.metrics.DBQueryDuration.WithLabelValues("insert_observations").Observe(duration.Seconds())
		r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Batch insert completed", logging.Fields{
			"count":       len(observations),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	query := r.dialect.InsertIgnore("weather_raw", observationColumns,
		[]string{"station_id", "date"}, len(observations))

	args := make([]interface{}, 0, len(observations)*len(observationColumns))
	for _, obs := range observations {
		args = append(args,
			obs.StationID,
			obs.Date,
			obs.TMax,
			obs.TMin,
			obs.Precipitation,
		)
	}

	result, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		r.metrics.RecordDBError("insert_error")
		return 0, fmt.Errorf("failed to insert observations: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted row count: %w", err)
	}

	return inserted, nil
}

// GetObservations retrieves weather observations with filtering and pagination
func (r *weatherRepository) GetObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, int, error) {
	// Build query with filters
	query := `
		SELECT id, station_id, date, tmax, tmin, precipitation
		FROM weather_raw
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.StationID != nil {
		query += " AND station_id = ?"
		args = append(args, *filter.StationID)
	}

	if filter.Date != nil {
		query += " AND date = ?"
		args = append(args, *filter.Date)
	}

	// Get total count
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_observations", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count observations: %w", err)
	}

	// Add ordering and pagination
	query += " ORDER BY date ASC, station_id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	observations := []models.Observation{}
	err = r.db.SelectContext(ctx, "get_observations", &observations, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get observations: %w", err)
	}

	return observations, totalCount, nil
}

// RecomputeStatistics derives every station-year aggregate from the raw
// observations in a single statement and overwrites existing rows. Averages
// skip NULL measurements; a group with no values for a measurement gets NULL.
func (r *weatherRepository) RecomputeStatistics(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.DBQueryDuration.WithLabelValues("recompute_statistics").Observe(duration.Seconds())
		r.logger.Debug(ctx, "[REPO_CALC_STATS] Statistics recomputed", logging.Fields{
			"duration_ms": duration.Milliseconds(),
		})
	}()

	year := r.dialect.YearOf("date")
	selectSQL := strings.Join([]string{
		"SELECT station_id, " + year + ",",
		"AVG(tmax) / 10.0, AVG(tmin) / 10.0, SUM(precipitation) / 100.0",
		"FROM weather_raw",
		"GROUP BY station_id, " + year,
	}, " ")

	query := r.dialect.UpsertSelect("weather_stats", statisticsColumns,
		[]string{"station_id", "year"}, selectSQL)

	result, err := q.ExecContext(ctx, query)
	if err != nil {
		r.metrics.RecordDBError("upsert_error")
		return 0, fmt.Errorf("failed to recompute statistics: %w", err)
	}

	written, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read written row count: %w", err)
	}

	return written, nil
}

// GetStatistics retrieves weather statistics with filtering and pagination
func (r *weatherRepository) GetStatistics(ctx context.Context, filter StatisticsFilter) ([]models.YearlyStatistic, int, error) {
	// Build query with filters
	query := `
		SELECT id, station_id, year, avg_tmax, avg_tmin, total_precip
		FROM weather_stats
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.StationID != nil {
		query += " AND station_id = ?"
		args = append(args, *filter.StationID)
	}

	if filter.Year != nil {
		query += " AND year = ?"
		args = append(args, *filter.Year)
	}

	// Get total count
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS count_query"
	var totalCount int
	err := r.db.GetContext(ctx, "count_statistics", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count statistics: %w", err)
	}

	// Add ordering and pagination
	query += " ORDER BY year ASC, station_id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	statistics := []models.YearlyStatistic{}
	err = r.db.SelectContext(ctx, "get_statistics", &statistics, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get statistics: %w", err)
	}

	return statistics, totalCount, nil
}

// HealthCheck performs a repository health check
func (r *weatherRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}
