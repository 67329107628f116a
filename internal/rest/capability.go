package rest

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handleMetadata serves GET /metadata: a CapabilityStatement generated from
// the registries, one REST resource entry per concrete type with its search
// parameters.
func (s *Server) handleMetadata(c echo.Context) error {
	interactions := []interface{}{
		map[string]interface{}{"code": "read"},
		map[string]interface{}{"code": "vread"},
		map[string]interface{}{"code": "create"},
		map[string]interface{}{"code": "update"},
		map[string]interface{}{"code": "patch"},
		map[string]interface{}{"code": "delete"},
		map[string]interface{}{"code": "history-instance"},
		map[string]interface{}{"code": "history-type"},
		map[string]interface{}{"code": "search-type"},
	}

	var resources []interface{}
	for _, resourceType := range s.profiles.ResourceTypes() {
		entry := map[string]interface{}{
			"type":        resourceType,
			"interaction": interactions,
			"versioning":  "versioned",
		}
		var searchParams []interface{}
		for _, impl := range s.params.List(resourceType) {
			searchParams = append(searchParams, map[string]interface{}{
				"name": impl.Code,
				"type": impl.Type,
			})
		}
		if searchParams != nil {
			entry["searchParam"] = searchParams
		}
		resources = append(resources, entry)
	}

	statement := map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []interface{}{"json"},
		"implementation": map[string]interface{}{
			"description": "fhirstore FHIR R4 server",
			"url":         s.baseURL,
		},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":        "server",
				"resource":    resources,
				"interaction": []interface{}{map[string]interface{}{"code": "transaction"}, map[string]interface{}{"code": "batch"}},
			},
		},
	}
	return s.respondJSON(c, http.StatusOK, statement)
}
