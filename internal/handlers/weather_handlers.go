package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"weather-pipeline/internal/models"
	"weather-pipeline/internal/repository"
	"weather-pipeline/internal/services"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

// Pagination limits for list endpoints
const (
	DefaultPerPage = 50
	MaxPerPage     = 100
)

const paginationMessage = "page and per_page must be valid integers."

// WeatherHandler handles weather API endpoints
type WeatherHandler struct {
	weatherService *services.WeatherService
	statsService   *services.StatisticsService
	logger         *logging.StructuredLogger
	metrics        *metrics.Collector
}

// NewWeatherHandler creates a new weather handler
func NewWeatherHandler(
	weatherService *services.WeatherService,
	statsService *services.StatisticsService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *WeatherHandler {
	return &WeatherHandler{
		weatherService: weatherService,
		statsService:   statsService,
		logger:         logger,
		metrics:        metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Items   interface{} `json:"items"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
	Total   int         `json:"total"`
}

// parsePagination reads page and per_page. per_page above MaxPerPage is
// clamped; anything non-numeric or below 1 is rejected.
func parsePagination(r *http.Request) (page, perPage int, err error) {
	page, perPage = 1, DefaultPerPage

	if s := r.URL.Query().Get("page"); s != "" {
		p, convErr := strconv.Atoi(s)
		if convErr != nil || p < 1 {
			return 0, 0, &models.ValidationError{Field: "page", Value: s, Message: paginationMessage}
		}
		page = p
	}

	if s := r.URL.Query().Get("per_page"); s != "" {
		pp, convErr := strconv.Atoi(s)
		if convErr != nil || pp < 1 {
			return 0, 0, &models.ValidationError{Field: "per_page", Value: s, Message: paginationMessage}
		}
		perPage = min(pp, MaxPerPage)
	}

	return page, perPage, nil
}

// GetObservations handles GET /api/weather
func (h *WeatherHandler) GetObservations(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/weather"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	}()

	page, perPage, err := parsePagination(r)
	if err != nil {
		h.sendValidationError(w, r, endpoint, err)
		return
	}

	filter := repository.ObservationFilter{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	}

	if stationID := r.URL.Query().Get("station_id"); stationID != "" {
		filter.StationID = &stationID
	}

	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		date, parseErr := models.ParseDate(models.DateLayout, dateStr)
		if parseErr != nil {
			h.sendValidationError(w, r, endpoint, &models.ValidationError{
				Field:   "date",
				Value:   dateStr,
				Message: "Invalid date format, expected YYYY-MM-DD",
			})
			return
		}
		filter.Date = &date
	}

	observations, total, err := h.weatherService.GetObservations(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_OBSERVATIONS_ERROR] Failed to get observations", logging.Fields{
			"page":     page,
			"per_page": perPage,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve observations", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, PaginatedResponse{
		Items:   observations,
		Page:    page,
		PerPage: perPage,
		Total:   total,
	}, http.StatusOK)
}

// GetStatistics handles GET /api/weather/stats
func (h *WeatherHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/weather/stats"
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	}()

	page, perPage, err := parsePagination(r)
	if err != nil {
		h.sendValidationError(w, r, endpoint, err)
		return
	}

	filter := repository.StatisticsFilter{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	}

	if stationID := r.URL.Query().Get("station_id"); stationID != "" {
		filter.StationID = &stationID
	}

	if yearStr := r.URL.Query().Get("year"); yearStr != "" {
		year, convErr := parseYear(yearStr)
		if convErr != nil {
			h.sendValidationError(w, r, endpoint, convErr)
			return
		}
		filter.Year = &year
	}

	statistics, total, err := h.statsService.GetStatistics(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_STATISTICS_ERROR] Failed to get statistics", logging.Fields{
			"page":     page,
			"per_page": perPage,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve statistics", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, PaginatedResponse{
		Items:   statistics,
		Page:    page,
		PerPage: perPage,
		Total:   total,
	}, http.StatusOK)
}

// parseYear accepts decimal digits only
func parseYear(s string) (int, error) {
	invalid := &models.ValidationError{Field: "year", Value: s, Message: "year must be numeric"}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, invalid
		}
	}
	year, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid
	}
	return year, nil
}

// GetStations handles GET /api/stations
func (h *WeatherHandler) GetStations(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/stations"
	ctx := r.Context()

	page, perPage, err := parsePagination(r)
	if err != nil {
		h.sendValidationError(w, r, endpoint, err)
		return
	}

	stations, err := h.weatherService.GetStations(ctx, perPage, (page-1)*perPage)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_STATIONS_ERROR] Failed to list stations", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve stations", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, map[string]interface{}{
		"items":    stations,
		"page":     page,
		"per_page": perPage,
	}, http.StatusOK)
}

// GetStation handles GET /api/stations/{id}
func (h *WeatherHandler) GetStation(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/stations/{id}"
	ctx := r.Context()

	station, err := h.weatherService.GetStation(ctx, mux.Vars(r)["id"])
	var notFound *repository.NotFoundError
	switch {
	case errors.As(err, &notFound):
		h.metrics.RecordAPIError("not_found", endpoint)
		h.sendError(w, r, notFound.Error(), http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error(ctx, "[API_GET_STATION_ERROR] Failed to get station", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve station", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, station, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *WeatherHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.weatherService.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK] Database unreachable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *WeatherHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn(context.Background(), "[API_ENCODE_ERROR] Failed to write response", logging.Fields{
			"error": err.Error(),
		})
	}
}

// sendError sends an error response
func (h *WeatherHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

func (h *WeatherHandler) sendValidationError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	h.metrics.RecordAPIError("validation_error", endpoint)
	h.sendError(w, r, err.Error(), http.StatusBadRequest)
}

// RegisterRoutes registers all weather API routes
func (h *WeatherHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/weather", h.GetObservations).Methods("GET")
	router.HandleFunc("/api/weather/stats", h.GetStatistics).Methods("GET")
	router.HandleFunc("/api/stations", h.GetStations).Methods("GET")
	router.HandleFunc("/api/stations/{id}", h.GetStation).Methods("GET")
	router.HandleFunc(docsPath, OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/swagger", SwaggerUI).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
