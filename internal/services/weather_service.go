package services

import (
	"context"

	"weather-pipeline/internal/models"
	"weather-pipeline/internal/repository"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

// WeatherService handles weather data reads
type WeatherService struct {
	repo    repository.WeatherRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherService creates a new weather service
func NewWeatherService(repo repository.WeatherRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *WeatherService {
	return &WeatherService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetObservations retrieves weather observations with filtering
func (s *WeatherService) GetObservations(ctx context.Context, filter repository.ObservationFilter) ([]models.Observation, int, error) {
	return s.repo.GetObservations(ctx, filter)
}

// GetStations retrieves weather stations
func (s *WeatherService) GetStations(ctx context.Context, limit, offset int) ([]models.Station, error) {
	return s.repo.ListStations(ctx, limit, offset)
}

// GetStation retrieves one station
func (s *WeatherService) GetStation(ctx context.Context, stationID string) (*models.Station, error) {
	return s.repo.GetStation(ctx, stationID)
}

// HealthCheck reports whether the store is reachable
func (s *WeatherService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
