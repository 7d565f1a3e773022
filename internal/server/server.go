// Package server assembles the FHIR REST API and the Bundle pipeline on a
// single Echo instance.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/config"
	"github.com/ehr/fhirbundle/internal/domain/resource"
	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/auth"
	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/ehr/fhirbundle/internal/platform/middleware"
	"github.com/ehr/fhirbundle/internal/platform/telemetry"
)

// Version is reported by /health and the CapabilityStatement.
const Version = "0.1.0"

// FHIRBasePath is the path the FHIR API is mounted on.
const FHIRBasePath = "/fhir"

// Server is a configured, not yet listening, FHIR server.
type Server struct {
	Echo         *echo.Echo
	Capabilities *fhir.CapabilityBuilder
	Recorder     *audit.Recorder
	Service      *resource.Service
	Orchestrator *fhir.Orchestrator

	cfg       *config.Config
	logger    zerolog.Logger
	stores    *Stores
	telemetry *telemetry.TelemetryProvider
}

// New wires the middleware chain, the resource routes and the Bundle
// endpoint. A nil tp disables tracing.
func New(cfg *config.Config, logger zerolog.Logger, stores *Stores, tp *telemetry.TelemetryProvider) (*Server, error) {
	if tp == nil {
		tp = telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
			ServiceName:    "fhir-bundle-server",
			ServiceVersion: Version,
			Environment:    cfg.Env,
		}, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%s%s", cfg.Port, FHIRBasePath)
	}

	recorder := audit.NewRecorder(logger, stores.Audit)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.TracingMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "Prefer", "If-Match", "If-None-Match", "If-None-Exist", "If-Modified-Since"},
		ExposeHeaders: []string{"Location", "ETag", "Last-Modified", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
		HSTS:           strings.HasPrefix(baseURL, "https://"),
		CacheablePaths: map[string]bool{FHIRBasePath + "/metadata": true},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(middleware.BodyLimitConfig{
		Default:    cfg.BodyLimit,
		Bundle:     cfg.BundleBodyLimit,
		BundlePath: FHIRBasePath,
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		e.Use(auth.DevAuthMiddleware())
	default:
		jwtMW, err := auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
		if err != nil {
			return nil, fmt.Errorf("configure auth: %w", err)
		}
		e.Use(jwtMW)
	}

	// Audit middleware
	e.Use(middleware.Audit(middleware.AuditConfig{
		Recorder:     recorder,
		Logger:       logger,
		BasePath:     FHIRBasePath,
		HeaderPrefix: cfg.AuditHeaderPrefix,
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	e.GET("/health/db", db.HealthHandler(stores.HealthChecks()...))

	capBuilder := fhir.NewCapabilityBuilder(baseURL, Version)
	for _, rt := range cfg.ResourceTypes {
		capBuilder.AddResource(rt, fhir.DefaultInteractions(), SearchParamsFor(rt))
	}

	authz := auth.NewScopeAuthorizer()
	svc := resource.NewService(stores.Repo, stores.Scope)

	orchestrator := fhir.NewOrchestrator(fhir.OrchestratorConfig{
		Dispatcher: fhir.NewDispatcher(fhir.NewEchoRouter(e, FHIRBasePath), authz, capBuilder),
		Validator:  fhir.NewTransactionValidator(svc, capBuilder),
		Recorder:   recorder,
		Scope:      stores.Scope,
		MaxEntries: cfg.BundleMaxEntries,
		Logger:     logger,
		Tracer:     tp.Tracer("github.com/ehr/fhirbundle/internal/platform/fhir"),
	})

	fhirGroup := e.Group(FHIRBasePath)
	fhir.NewCapabilityHandler(capBuilder).RegisterRoutes(fhirGroup)
	fhir.NewBundleHandler(orchestrator, cfg.BaseURL).RegisterRoutes(fhirGroup)
	resource.NewHandler(svc, resource.HandlerConfig{
		Capabilities: capBuilder,
		Authorizer:   authz,
		BaseURL:      cfg.BaseURL,
		Logger:       logger,
	}).RegisterRoutes(fhirGroup)

	return &Server{
		Echo:         e,
		Capabilities: capBuilder,
		Recorder:     recorder,
		Service:      svc,
		Orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger,
		stores:       stores,
		telemetry:    tp,
	}, nil
}

// Start listens on the configured port until Shutdown is called.
func (s *Server) Start() error {
	addr := ":" + s.cfg.Port
	s.logger.Info().
		Str("addr", addr).
		Str("auth_mode", s.cfg.ResolvedAuthMode()).
		Int("resource_types", len(s.cfg.ResourceTypes)).
		Msg("starting FHIR server")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and flushes
// pending spans.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	if tErr := s.telemetry.Shutdown(ctx); tErr != nil {
		s.logger.Error().Err(tErr).Msg("telemetry shutdown failed")
	}
	return err
}

// errorHandler renders errors returned by handlers and middleware as
// OperationOutcome responses. Sub-requests go through the same handler, so
// their captured responses carry an outcome too.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		req := c.Request()

		status := http.StatusInternalServerError
		var outcome *fhir.OperationOutcome
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch {
			case errors.Is(err, echo.ErrNotFound):
				outcome = fhir.RouteNotFoundOutcome(req.Method, req.URL.RequestURI())
			case errors.Is(err, echo.ErrMethodNotAllowed):
				outcome = fhir.MethodNotAllowedOutcome(req.Method, resourceTypeOf(req.URL.Path))
			default:
				msg := ""
				if he.Message != nil {
					msg = fmt.Sprint(he.Message)
				}
				if status >= 500 {
					msg = ""
				}
				outcome = fhir.OutcomeForStatus(status, msg)
			}
		} else {
			logger.Error().Err(err).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Msg("unhandled error")
			outcome = fhir.InternalErrorOutcome("An internal error occurred.")
		}

		var writeErr error
		if req.Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, outcome)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}

func resourceTypeOf(path string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, FHIRBasePath), "/")
	rt, _, _ := strings.Cut(rest, "/")
	return rt
}
