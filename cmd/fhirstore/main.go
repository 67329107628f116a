package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfhir/fhirstore/internal/config"
	"github.com/openfhir/fhirstore/internal/platform/audit"
	"github.com/openfhir/fhirstore/internal/platform/auth"
	"github.com/openfhir/fhirstore/internal/platform/batch"
	"github.com/openfhir/fhirstore/internal/platform/db"
	"github.com/openfhir/fhirstore/internal/platform/definitions"
	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/repo"
	"github.com/openfhir/fhirstore/internal/platform/schema"
	"github.com/openfhir/fhirstore/internal/platform/search"
	"github.com/openfhir/fhirstore/internal/platform/terminology"
	"github.com/openfhir/fhirstore/internal/rest"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirstore",
		Short: "FHIR R4 persistence and query server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the generated database schema",
	}

	var specDir string
	cmd.PersistentFlags().StringVar(&specDir, "spec-dir", "definitions", "directory holding the FHIR definition bundles")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Print the generated DDL",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, params, err := loadRegistries(specDir)
			if err != nil {
				return err
			}
			model := schema.NewSynthesizer(profiles, params).Synthesize()
			for _, stmt := range schema.EmitDDL(model) {
				fmt.Println(stmt + ";")
			}
			return nil
		},
	}

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Create missing tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := context.Background()
			pool, profiles, params, err := openSchemaTarget(ctx, specDir)
			if err != nil {
				return err
			}
			defer pool.Close()
			model := schema.NewSynthesizer(profiles, params).Synthesize()
			result, err := db.ApplyDDL(ctx, pool, schema.EmitDDL(model), logger)
			if err != nil {
				return err
			}
			fmt.Printf("executed %d, skipped %d\n", result.Executed, result.Skipped)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report which schema tables exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, profiles, params, err := openSchemaTarget(ctx, specDir)
			if err != nil {
				return err
			}
			defer pool.Close()
			model := schema.NewSynthesizer(profiles, params).Synthesize()
			var present, missing int
			for _, t := range model.Tables() {
				var reg *string
				if err := pool.QueryRow(ctx, "SELECT to_regclass($1)", fmt.Sprintf("%q", t.Name)).Scan(&reg); err != nil {
					return fmt.Errorf("check table %s: %w", t.Name, err)
				}
				if reg == nil {
					missing++
					fmt.Printf("missing  %s\n", t.Name)
				} else {
					present++
				}
			}
			fmt.Printf("%d tables present, %d missing\n", present, missing)
			return nil
		},
	}

	var force bool
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every schema table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("schema reset drops all data; pass --force to confirm")
			}
			ctx := context.Background()
			pool, profiles, params, err := openSchemaTarget(ctx, specDir)
			if err != nil {
				return err
			}
			defer pool.Close()
			model := schema.NewSynthesizer(profiles, params).Synthesize()
			for _, t := range model.Tables() {
				if _, err := pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q CASCADE", t.Name)); err != nil {
					return fmt.Errorf("drop table %s: %w", t.Name, err)
				}
			}
			fmt.Printf("dropped %d tables\n", len(model.Tables()))
			return nil
		},
	}
	resetCmd.Flags().BoolVar(&force, "force", false, "confirm the destructive reset")

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(applyCmd)
	cmd.AddCommand(statusCmd)
	cmd.AddCommand(resetCmd)
	return cmd
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	profiles, params, err := loadRegistries(cfg.SpecDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load FHIR definitions")
	}
	logger.Info().
		Int("resourceTypes", len(profiles.ResourceTypes())).
		Msg("definitions loaded")

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: cfg.DBConnTimeout,
		IdleTimeout:    cfg.DBIdleTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	model := schema.NewSynthesizer(profiles, params).Synthesize()
	if _, err := db.ApplyDDL(ctx, pool, schema.EmitDDL(model), logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	var cache *repo.Cache
	if cfg.CacheEnabled {
		cache = repo.NewCache(cfg.CacheMaxSize, cfg.CacheTTL)
	}
	repository := repo.NewRepository(pool, profiles, params, cache, logger)
	repository.SetAuditSink(audit.NewSink(repository, logger))

	executor := repository.Executor()
	processor := batch.NewProcessor(repository, executor, pool, cfg.BaseURL, logger)
	term := terminology.NewService(&canonicalSource{executor: executor})

	var verifier *auth.Verifier
	if cfg.AuthJWTSecret != "" {
		verifier = auth.NewVerifier(cfg.AuthJWTSecret, cfg.DefaultProject)
	}

	server := rest.NewServer(rest.Options{
		Repo:      repository,
		Processor: processor,
		Term:      term,
		Verifier:  verifier,
		Profiles:  profiles,
		Params:    params,
		Pool:      pool,
		BaseURL:   cfg.BaseURL,
		Log:       logger,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// loadRegistries reads the FHIR definition bundles: the type and resource
// StructureDefinitions first, then the SearchParameter bundle over them.
func loadRegistries(specDir string) (*definitions.ProfileRegistry, *definitions.SearchParameterRegistry, error) {
	profiles := definitions.NewProfileRegistry()
	for _, name := range []string{"profiles-types.json", "profiles-resources.json"} {
		data, err := os.ReadFile(filepath.Join(specDir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := profiles.IndexBundle(data); err != nil {
			return nil, nil, fmt.Errorf("index %s: %w", name, err)
		}
	}

	params := definitions.NewSearchParameterRegistry(profiles)
	data, err := os.ReadFile(filepath.Join(specDir, "search-parameters.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("read search-parameters.json: %w", err)
	}
	if err := params.IndexBundle(data); err != nil {
		return nil, nil, fmt.Errorf("index search-parameters.json: %w", err)
	}
	return profiles, params, nil
}

// openSchemaTarget loads the registries and connects to the configured
// database for the schema subcommands.
func openSchemaTarget(ctx context.Context, specDir string) (*pgxpool.Pool, *definitions.ProfileRegistry, *definitions.SearchParameterRegistry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	profiles, params, err := loadRegistries(specDir)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: cfg.DBConnTimeout,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return pool, profiles, params, nil
}

// canonicalSource resolves CodeSystems by canonical url through the search
// executor.
type canonicalSource struct {
	executor *search.Executor
}

func (s *canonicalSource) CodeSystemByURL(ctx context.Context, url string) (fhir.Resource, error) {
	req := &search.Request{
		ResourceType: "CodeSystem",
		Params:       []search.Param{{Code: "url", Values: []string{url}}},
		Count:        1,
	}
	matches, _, err := s.executor.Execute(ctx, req, search.CompileOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fhir.NotFound("CodeSystem", url)
	}
	return matches[0].Resource, nil
}
