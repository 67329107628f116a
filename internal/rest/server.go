// Package rest maps the FHIR HTTP surface onto the in-process core: CRUD per
// resource type, search, history, batch/transaction bundles, and the
// operation endpoints. The core stays usable without this layer.
package rest

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/openfhir/fhirstore/internal/platform/auth"
	"github.com/openfhir/fhirstore/internal/platform/batch"
	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/repo"
	"github.com/openfhir/fhirstore/internal/platform/search"
	"github.com/openfhir/fhirstore/internal/platform/terminology"
)

// Validator is the external resource validator collaborator. The default
// implementation performs the built-in structural check only.
type Validator interface {
	Validate(resource fhir.Resource) fhir.ValidationResult
}

// Server wires the echo instance over the core components.
type Server struct {
	echo      *echo.Echo
	repo      *repo.Repository
	executor  *search.Executor
	processor *batch.Processor
	term      *terminology.Service
	verifier  *auth.Verifier
	validator Validator
	profiles  *definitions.ProfileRegistry
	params    *definitions.SearchParameterRegistry
	pool      *pgxpool.Pool
	baseURL   string
	log       zerolog.Logger
}

// Options carry the server's collaborators. Validator may be nil.
type Options struct {
	Repo      *repo.Repository
	Processor *batch.Processor
	Term      *terminology.Service
	Verifier  *auth.Verifier
	Validator Validator
	Profiles  *definitions.ProfileRegistry
	Params    *definitions.SearchParameterRegistry
	Pool      *pgxpool.Pool
	BaseURL   string
	Log       zerolog.Logger
}

// NewServer builds the echo server and registers every route.
func NewServer(opts Options) *Server {
	s := &Server{
		echo:      echo.New(),
		repo:      opts.Repo,
		executor:  opts.Repo.Executor(),
		processor: opts.Processor,
		term:      opts.Term,
		verifier:  opts.Verifier,
		validator: opts.Validator,
		profiles:  opts.Profiles,
		params:    opts.Params,
		pool:      opts.Pool,
		baseURL:   opts.BaseURL,
		log:       opts.Log.With().Str("component", "rest").Logger(),
	}
	if s.validator == nil {
		s.validator = structuralValidator{profiles: opts.Profiles}
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(s.requestLog)
	e.Use(s.requestContext)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metadata", s.handleMetadata)
	e.POST("/", s.handleBundle)

	e.POST("/:type", s.handleCreate)
	e.GET("/:type", s.handleSearch)
	e.GET("/:type/_history", s.handleTypeHistory)

	e.GET("/:type/:id", s.handleRead)
	e.HEAD("/:type/:id", s.handleRead)
	e.PUT("/:type/:id", s.handleUpdate)
	e.PATCH("/:type/:id", s.handlePatch)
	e.DELETE("/:type/:id", s.handleDelete)
	e.DELETE("/:type", s.handleConditionalDelete)

	e.GET("/:type/:id/_history", s.handleHistory)
	e.GET("/:type/:id/_history/:vid", s.handleReadVersion)
	e.GET("/:type/:id/:op", s.handleInstanceOperation)
	e.POST("/:type/:op", s.handleTypeOperation)

	return s
}

// Start runs the server until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// requestContext attaches the bearer-token request context when a verifier
// is configured. Invalid tokens fail immediately; absent tokens pass
// through anonymously.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.verifier != nil {
			rc, err := s.verifier.FromAuthorizationHeader(c.Request().Header.Get("Authorization"))
			if err != nil {
				return s.respondError(c, err)
			}
			if rc != nil {
				ctx := fhir.WithRequestContext(c.Request().Context(), rc)
				c.SetRequest(c.Request().WithContext(ctx))
			}
		}
		return next(c)
	}
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		s.log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Msg("request")
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.pool.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "down"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// structuralValidator is the built-in fallback: resourceType present and
// known, id shaped like a UUID when present.
type structuralValidator struct {
	profiles *definitions.ProfileRegistry
}

func (v structuralValidator) Validate(resource fhir.Resource) fhir.ValidationResult {
	var issues []fhir.ValidationIssue
	if resource.Type() == "" {
		issues = append(issues, fhir.ValidationIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeRequired,
			Diagnostics: "resource is missing resourceType",
		})
	} else if p := v.profiles.ByType(resource.Type()); p == nil || p.Kind != "resource" {
		issues = append(issues, fhir.ValidationIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeInvalid,
			Diagnostics: "unknown resource type " + resource.Type(),
			Location:    "resourceType",
		})
	}
	return fhir.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}
