package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather-pipeline/internal/repository"
	"weather-pipeline/internal/services"
	"weather-pipeline/internal/testutil"
	"weather-pipeline/internal/tracker"
	"weather-pipeline/pkg/logging"
)

type listBody struct {
	Items   []map[string]interface{} `json:"items"`
	Page    int                      `json:"page"`
	PerPage int                      `json:"per_page"`
	Total   int                      `json:"total"`
}

func newRouter(t *testing.T) *mux.Router {
	t.Helper()

	logger := logging.NewNop()
	m := testutil.NewMetrics()
	db := testutil.OpenSQLite(t, logger, m)
	repo := repository.NewWeatherRepository(db, logger, m)

	dir := t.TempDir()
	testutil.WriteStationFile(t, dir, "ST001.txt",
		"20200102\t250\t100\t-9999",
		"20200101\t200\t50\t100",
		"20210101\t100\t0\t10",
	)
	testutil.WriteStationFile(t, dir, "ST002.txt",
		"20200101\t10\t-10\t0",
	)

	ctx := context.Background()
	ingest := services.NewIngestionService(db, repo, tracker.New(db.Dialect()), logger, m, services.IngestOptions{})
	_, err := ingest.IngestDirectory(ctx, dir)
	require.NoError(t, err)

	stats := services.NewStatisticsService(db, repo, logger, m, false)
	_, err = stats.CalculateAllStatistics(ctx)
	require.NoError(t, err)

	h := NewWeatherHandler(services.NewWeatherService(repo, logger, m), stats, logger, m)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func get(t *testing.T, router http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) listBody {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetObservations(t *testing.T) {
	router := newRouter(t)

	body := decodeList(t, get(t, router, "/api/weather"))
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, DefaultPerPage, body.PerPage)
	assert.Equal(t, 4, body.Total)
	require.Len(t, body.Items, 4)
	assert.Equal(t, "2020-01-01", body.Items[0]["date"])
	assert.Equal(t, "2021-01-01", body.Items[3]["date"])
	assert.Nil(t, body.Items[2]["precipitation"])

	body = decodeList(t, get(t, router, "/api/weather?station_id=ST001&per_page=2&page=2"))
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "2021-01-01", body.Items[0]["date"])

	body = decodeList(t, get(t, router, "/api/weather?date=2020-01-01"))
	assert.Equal(t, 2, body.Total)

	body = decodeList(t, get(t, router, "/api/weather?per_page=1000"))
	assert.Equal(t, MaxPerPage, body.PerPage)
}

func TestGetObservations_BadInput(t *testing.T) {
	router := newRouter(t)

	tests := []struct {
		target  string
		message string
	}{
		{"/api/weather?page=abc", "page and per_page must be valid integers."},
		{"/api/weather?per_page=1.5", "page and per_page must be valid integers."},
		{"/api/weather?page=0", "page and per_page must be valid integers."},
		{"/api/weather?per_page=-3", "page and per_page must be valid integers."},
		{"/api/weather?date=20200101", "Invalid date format, expected YYYY-MM-DD"},
		{"/api/weather?date=2020-02-30", "Invalid date format, expected YYYY-MM-DD"},
		{"/api/weather/stats?year=twenty", "year must be numeric"},
		{"/api/weather/stats?year=-2020", "year must be numeric"},
		{"/api/weather/stats?page=x", "page and per_page must be valid integers."},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(t, router, tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec).Message)
		})
	}
}

func TestGetStatistics(t *testing.T) {
	router := newRouter(t)

	body := decodeList(t, get(t, router, "/api/weather/stats"))
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Items, 3)
	assert.EqualValues(t, 2020, body.Items[0]["year"])
	assert.EqualValues(t, 2021, body.Items[2]["year"])

	body = decodeList(t, get(t, router, "/api/weather/stats?station_id=ST001&year=2020"))
	require.Len(t, body.Items, 1)
	item := body.Items[0]
	assert.InDelta(t, 22.5, item["avg_tmax"], 1e-9)
	assert.InDelta(t, 7.5, item["avg_tmin"], 1e-9)
	assert.InDelta(t, 1.0, item["total_precip"], 1e-9)
}

func TestStations(t *testing.T) {
	router := newRouter(t)

	body := decodeList(t, get(t, router, "/api/stations"))
	require.Len(t, body.Items, 2)
	assert.Equal(t, "ST001", body.Items[0]["id"])

	rec := get(t, router, "/api/stations/ST002")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"ST002"`)

	rec = get(t, router, "/api/stations/NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "station not found: NOPE", decodeError(t, rec).Message)
}

func TestHealthAndDocs(t *testing.T) {
	router := newRouter(t)

	rec := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = get(t, router, "/api/docs")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.0", doc["openapi"])
	assert.Contains(t, doc["paths"], "/api/weather/stats")

	rec = get(t, router, "/api/swagger")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>Weather API</title>")
	assert.Contains(t, rec.Body.String(), "swagger-ui-bundle.js")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/weather", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
