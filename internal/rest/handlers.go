package rest

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/repo"
	"github.com/openfhir/fhirstore/internal/platform/search"
)

const fhirJSON = "application/fhir+json"

func (s *Server) handleCreate(c echo.Context) error {
	resourceType := c.Param("type")
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

	ctx := c.Request().Context()
	if condition := c.Request().Header.Get("If-None-Exist"); condition != "" {
		result, err := s.repo.ConditionalCreate(ctx, resource, condition)
		if err != nil {
			return s.respondError(c, err)
		}
		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		return s.respondResource(c, status, result.Resource)
	}

	created, err := s.repo.Create(ctx, resource, repo.WriteOptions{})
	if err != nil {
		return s.respondError(c, err)
	}
	c.Response().Header().Set("Location", s.baseURL+"/"+created.Type()+"/"+created.ID())
	return s.respondResource(c, http.StatusCreated, created)
}

func (s *Server) handleRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if strings.HasPrefix(id, "$") {
		return s.typeOperation(c, resourceType, id)
	}
	res, err := s.repo.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return s.respondError(c, err)
	}
	if c.Request().Method == http.MethodHead {
		setResourceHeaders(c, res)
		return c.NoContent(http.StatusOK)
	}
	return s.respondResource(c, http.StatusOK, res)
}

func (s *Server) handleUpdate(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
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
	if resource.ID() == "" {
		resource.SetID(id)
	} else if resource.ID() != id {
		return s.respondError(c, fhir.BadRequest("resource id does not match the request URL"))
	}
	updated, err := s.repo.Update(c.Request().Context(), resource, repo.WriteOptions{
		IfMatch: etagVersion(c.Request().Header.Get("If-Match")),
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondResource(c, http.StatusOK, updated)
}

func (s *Server) handlePatch(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.respondError(c, fhir.BadRequest("cannot read request body"))
	}
	opts := repo.WriteOptions{IfMatch: etagVersion(c.Request().Header.Get("If-Match"))}
	ctx := c.Request().Context()

	var patched fhir.Resource
	if strings.HasPrefix(c.Request().Header.Get("Content-Type"), "application/merge-patch+json") {
		patch, perr := fhir.ParseMergePatch(body)
		if perr != nil {
			return s.respondError(c, perr)
		}
		patched, err = s.repo.PatchMerge(ctx, resourceType, id, patch, opts)
	} else {
		ops, perr := fhir.ParseJSONPatch(body)
		if perr != nil {
			return s.respondError(c, perr)
		}
		patched, err = s.repo.Patch(ctx, resourceType, id, ops, opts)
	}
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondResource(c, http.StatusOK, patched)
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.repo.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleConditionalDelete serves DELETE /<Type>?query.
func (s *Server) handleConditionalDelete(c echo.Context) error {
	query := c.Request().URL.RawQuery
	if query == "" {
		return s.respondError(c, fhir.BadRequest("conditional delete requires search parameters"))
	}
	if _, err := s.repo.ConditionalDelete(c.Request().Context(), c.Param("type"), query); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c echo.Context) error {
	req, err := search.ParseQuery(c.Param("type"), c.QueryParams())
	if err != nil {
		return s.respondError(c, err)
	}
	if err := s.checkTypeKnown(req.ResourceType); err != nil {
		return s.respondError(c, err)
	}
	results, err := s.executor.Search(c.Request().Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	bundle, err := search.AssembleBundle(s.baseURL, req, results)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondJSON(c, http.StatusOK, bundle)
}

func (s *Server) handleHistory(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	opts, err := historyOptions(c)
	if err != nil {
		return s.respondError(c, err)
	}
	entries, err := s.repo.ReadHistory(c.Request().Context(), resourceType, id, opts)
	if err != nil {
		return s.respondError(c, err)
	}
	selfURL := s.baseURL + "/" + resourceType + "/" + id + "/_history"
	return s.respondHistory(c, resourceType, entries, opts, selfURL)
}

func (s *Server) handleTypeHistory(c echo.Context) error {
	resourceType := c.Param("type")
	opts, err := historyOptions(c)
	if err != nil {
		return s.respondError(c, err)
	}
	entries, err := s.repo.ReadTypeHistory(c.Request().Context(), resourceType, opts)
	if err != nil {
		return s.respondError(c, err)
	}
	selfURL := s.baseURL + "/" + resourceType + "/_history"
	return s.respondHistory(c, resourceType, entries, opts, selfURL)
}

func (s *Server) respondHistory(c echo.Context, resourceType string, entries []repo.HistoryEntry, opts repo.HistoryOptions, selfURL string) error {
	count := opts.Count
	if count <= 0 {
		count = repo.DefaultHistoryCount
	}
	nextCursor := ""
	if len(entries) == count {
		nextCursor = entries[len(entries)-1].LastUpdated.Format(time.RFC3339Nano)
	}
	bundle, err := repo.BuildHistoryBundle(s.baseURL, resourceType, entries, selfURL, nextCursor)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondJSON(c, http.StatusOK, bundle)
}

func (s *Server) handleReadVersion(c echo.Context) error {
	res, err := s.repo.ReadVersion(c.Request().Context(), c.Param("type"), c.Param("id"), c.Param("vid"))
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondResource(c, http.StatusOK, res)
}

func (s *Server) handleBundle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.respondError(c, fhir.BadRequest("cannot read request body"))
	}
	bundle, err := s.processor.Process(c.Request().Context(), body)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.respondJSON(c, http.StatusOK, bundle)
}

func historyOptions(c echo.Context) (repo.HistoryOptions, error) {
	opts := repo.HistoryOptions{Cursor: c.QueryParam("_cursor")}
	if since := c.QueryParam("_since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			t, err = time.Parse(time.RFC3339, since)
		}
		if err != nil {
			return opts, fhir.BadRequest("invalid _since value")
		}
		opts.Since = t
	}
	if countStr := c.QueryParam("_count"); countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil || n <= 0 {
			return opts, fhir.BadRequest("invalid _count value")
		}
		opts.Count = n
	}
	return opts, nil
}

func (s *Server) checkTypeKnown(resourceType string) error {
	p := s.profiles.ByType(resourceType)
	if p == nil || p.Kind != "resource" {
		return fhir.BadRequest("unknown resource type " + resourceType)
	}
	return nil
}

func (s *Server) respondResource(c echo.Context, status int, res fhir.Resource) error {
	setResourceHeaders(c, res)
	return s.respondJSON(c, status, res)
}

func setResourceHeaders(c echo.Context, res fhir.Resource) {
	if v := res.VersionID(); v != "" {
		c.Response().Header().Set("ETag", fhir.WeakETag(v))
	}
	if lu := res.LastUpdated(); !lu.IsZero() {
		c.Response().Header().Set("Last-Modified", lu.Format(http.TimeFormat))
	}
}

func (s *Server) respondJSON(c echo.Context, status int, body interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	return c.JSON(status, body)
}

func (s *Server) respondError(c echo.Context, err error) error {
	kind := fhir.KindOf(err)
	if kind == fhir.KindInternal {
		s.log.Error().Err(err).Msg("internal error")
	}
	return s.respondJSON(c, fhir.HTTPStatus(kind), fhir.OutcomeFromError(err))
}

func etagVersion(ifMatch string) string {
	v := strings.TrimPrefix(ifMatch, "W/")
	return strings.Trim(v, `"`)
}
