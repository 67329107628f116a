package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/search"
	"github.com/openfhir/fhirstore/internal/platform/terminology"
)

// handleInstanceOperation serves GET /<Type>/<id>/$<op>.
func (s *Server) handleInstanceOperation(c echo.Context) error {
	switch c.Param("op") {
	case "$everything":
		return s.handleEverything(c)
	default:
		return s.respondError(c, fhir.BadRequest("unsupported operation "+c.Param("op")))
	}
}

// handleTypeOperation serves POST /<Type>/$<op>.
func (s *Server) handleTypeOperation(c echo.Context) error {
	return s.typeOperation(c, c.Param("type"), c.Param("op"))
}

func (s *Server) typeOperation(c echo.Context, resourceType, op string) error {
	switch op {
	case "$validate":
		return s.handleValidate(c, resourceType)
	case "$expand":
		if resourceType == "ValueSet" {
			return s.handleExpand(c)
		}
	case "$subsumes":
		if resourceType == "CodeSystem" {
			return s.handleSubsumes(c)
		}
	}
	return s.respondError(c, fhir.BadRequest("unsupported operation "+op+" on "+resourceType))
}

func (s *Server) handleValidate(c echo.Context, resourceType string) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.respondError(c, fhir.BadRequest("cannot read request body"))
	}
	resource, err := fhir.ParseResource(body)
	if err != nil {
		return s.respondError(c, err)
	}
	if resource.Type() != resourceType {
		return s.respondError(c, fhir.BadRequest("resourceType does not match the request URL"))
	}
	result := s.validator.Validate(resource)
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusBadRequest
	}
	return s.respondJSON(c, status, fhir.ValidationOutcome(result))
}

// handleEverything serves GET /Patient/<id>/$everything: the focal patient
// plus its whole compartment.
func (s *Server) handleEverything(c echo.Context) error {
	if c.Param("type") != "Patient" {
		return s.respondError(c, fhir.BadRequest("$everything is supported on Patient only"))
	}
	resources, err := s.repo.Everything(c.Request().Context(), c.Param("id"), s.profiles.ResourceTypes())
	if err != nil {
		return s.respondError(c, err)
	}
	bundle := fhir.NewBundle("searchset")
	total := len(resources)
	bundle.Total = &total
	for _, res := range resources {
		raw, err := res.Marshal()
		if err != nil {
			return s.respondError(c, err)
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  s.baseURL + "/" + res.Type() + "/" + res.ID(),
			Resource: raw,
			Search:   &fhir.BundleSearch{Mode: "match"},
		})
	}
	return s.respondJSON(c, http.StatusOK, bundle)
}

func (s *Server) handleExpand(c echo.Context) error {
	var valueSet fhir.Resource
	if c.Request().Method == http.MethodPost {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return s.respondError(c, fhir.BadRequest("cannot read request body"))
		}
		parsed, err := fhir.ParseResource(body)
		if err != nil {
			return s.respondError(c, err)
		}
		valueSet = parsed
	} else if url := c.QueryParam("url"); url != "" {
		found, err := s.resourceByURL(c.Request().Context(), "ValueSet", url)
		if err != nil {
			return s.respondError(c, err)
		}
		valueSet = found
	} else {
		return s.respondError(c, fhir.BadRequest("$expand requires a ValueSet body or url parameter"))
	}

	opts := terminology.ExpandOptions{DisplayLanguage: c.QueryParam("displayLanguage")}
	if v := c.QueryParam("count"); v != "" {
		opts.Count, _ = strconv.Atoi(v)
	}
	if v := c.QueryParam("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	expanded, err := s.term.Expand(c.Request().Context(), valueSet, opts)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondJSON(c, http.StatusOK, expanded)
}

func (s *Server) handleSubsumes(c echo.Context) error {
	system := c.QueryParam("system")
	codeA := c.QueryParam("codeA")
	codeB := c.QueryParam("codeB")
	if system == "" || codeA == "" || codeB == "" {
		return s.respondError(c, fhir.BadRequest("$subsumes requires system, codeA, and codeB"))
	}
	outcome, err := s.term.Subsumes(c.Request().Context(), system, codeA, codeB)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondJSON(c, http.StatusOK, map[string]interface{}{
		"resourceType": "Parameters",
		"parameter": []interface{}{
			map[string]interface{}{"name": "outcome", "valueCode": outcome},
		},
	})
}

// resourceByURL resolves a canonical resource through its url search
// parameter.
func (s *Server) resourceByURL(ctx context.Context, resourceType, url string) (fhir.Resource, error) {
	req := &search.Request{
		ResourceType: resourceType,
		Params:       []search.Param{{Code: "url", Values: []string{url}}},
		Count:        1,
	}
	matches, _, err := s.executor.Execute(ctx, req, search.CompileOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fhir.NotFound(resourceType, url)
	}
	return matches[0].Resource, nil
}
