package handlers

import (
	"encoding/json"
	"html/template"
	"net/http"
)

const (
	docsPath     = "/api/docs"
	swaggerAsset = "https://unpkg.com/swagger-ui-dist@5.10.0"
)

var swaggerTemplate = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <link rel="stylesheet" href="{{.Assets}}/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="{{.Assets}}/swagger-ui-bundle.js"></script>
  <script>
    window.onload = () => {
      window.ui = SwaggerUIBundle({url: "{{.SpecURL}}", dom_id: "#swagger-ui", deepLinking: true});
    };
  </script>
</body>
</html>`))

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func nullableNumber() map[string]interface{} {
	return map[string]interface{}{"type": "number", "nullable": true}
}

func pageParams() []map[string]interface{} {
	return []map[string]interface{}{
		queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1, "minimum": 1}),
		queryParam("per_page", "Items per page (default: 50, max: 100)", map[string]interface{}{
			"type": "integer", "default": DefaultPerPage, "minimum": 1, "maximum": MaxPerPage,
		}),
	}
}

func listResponse(description, itemRef string) map[string]interface{} {
	return map[string]interface{}{
		"200": map[string]interface{}{
			"description": description,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"items":    map[string]interface{}{"type": "array", "items": map[string]string{"$ref": itemRef}},
							"page":     map[string]string{"type": "integer"},
							"per_page": map[string]string{"type": "integer"},
							"total":    map[string]string{"type": "integer"},
						},
					},
				},
			},
		},
		"400": map[string]interface{}{
			"description": "Invalid filter or pagination parameter",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]string{"$ref": "#/components/schemas/Error"},
				},
			},
		},
	}
}

// openAPIDocument describes the query API in OpenAPI 3.0 form
func openAPIDocument() map[string]interface{} {
	return map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Weather API",
			"description": "Daily station observations and derived yearly statistics",
			"version":     "1.0.0",
		},
		"paths": map[string]interface{}{
			"/api/weather": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "List weather observations",
					"description": "Raw daily observations ordered by date. Temperatures in tenths of a degree Celsius, precipitation in tenths of a millimetre.",
					"parameters": append([]map[string]interface{}{
						queryParam("station_id", "Filter by station id", map[string]interface{}{"type": "string"}),
						queryParam("date", "Filter by date YYYY-MM-DD", map[string]interface{}{"type": "string", "format": "date"}),
					}, pageParams()...),
					"responses": listResponse("Page of observations", "#/components/schemas/Observation"),
				},
			},
			"/api/weather/stats": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "List yearly statistics",
					"description": "Per station and year aggregates ordered by year. Averages in degrees Celsius, total precipitation in centimetres.",
					"parameters": append([]map[string]interface{}{
						queryParam("station_id", "Filter by station id", map[string]interface{}{"type": "string"}),
						queryParam("year", "Filter by year", map[string]interface{}{"type": "integer"}),
					}, pageParams()...),
					"responses": listResponse("Page of statistics", "#/components/schemas/YearlyStatistic"),
				},
			},
			"/api/stations": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "List stations",
					"parameters": pageParams(),
					"responses":  listResponse("Page of stations ordered by id", "#/components/schemas/Station"),
				},
			},
			"/api/stations/{id}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Get one station",
					"parameters": []map[string]interface{}{{
						"name": "id", "in": "path", "required": true,
						"schema": map[string]string{"type": "string"},
					}},
					"responses": map[string]interface{}{
						"200": map[string]string{"description": "Station"},
						"404": map[string]string{"description": "Unknown station"},
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Health check",
					"responses": map[string]interface{}{
						"200": map[string]string{"description": "Database reachable"},
						"503": map[string]string{"description": "Database unreachable"},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Prometheus metrics",
					"responses": map[string]interface{}{
						"200": map[string]string{"description": "Metrics in Prometheus text format"},
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Station": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":        map[string]string{"type": "string"},
						"name":      map[string]string{"type": "string"},
						"latitude":  map[string]string{"type": "number"},
						"longitude": map[string]string{"type": "number"},
						"state":     map[string]string{"type": "string"},
					},
				},
				"Observation": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"station_id":    map[string]string{"type": "string"},
						"date":          map[string]string{"type": "string", "format": "date"},
						"tmax":          map[string]interface{}{"type": "integer", "nullable": true},
						"tmin":          map[string]interface{}{"type": "integer", "nullable": true},
						"precipitation": map[string]interface{}{"type": "integer", "nullable": true},
					},
				},
				"YearlyStatistic": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"station_id":   map[string]string{"type": "string"},
						"year":         map[string]string{"type": "integer"},
						"avg_tmax":     nullableNumber(),
						"avg_tmin":     nullableNumber(),
						"total_precip": nullableNumber(),
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}
}

// OpenAPISpec serves the OpenAPI document for the query API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openAPIDocument())
}

// SwaggerUI serves a Swagger UI page pointed at OpenAPISpec
func SwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := swaggerTemplate.Execute(w, map[string]string{
		"Title":   "Weather API",
		"Assets":  swaggerAsset,
		"SpecURL": docsPath,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
