package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// AuditConfig configures the Audit middleware.
type AuditConfig struct {
	Recorder fhir.AuditRecorder
	Logger   zerolog.Logger
	// BasePath is the path the FHIR API is mounted on.
	BasePath string
	// HeaderPrefix selects the request headers copied into audit entries.
	HeaderPrefix string
}

// Audit records an Executing/Executed pair around every direct FHIR request
// and makes the request's custom audit headers available to the bundle
// pipeline through the context.
//
// Three kinds of request are not paired here: bundle sub-requests and
// bundle submissions, which the orchestrator audits itself, and requests
// outside BasePath. Requests carrying more or longer custom audit headers
// than allowed are rejected with 431 before any handler runs.
func Audit(cfg AuditConfig) echo.MiddlewareFunc {
	base := "/" + strings.Trim(cfg.BasePath, "/")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			if fhir.IsSubRequest(ctx) || !underBase(req.URL.Path, base) {
				return next(c)
			}

			headers, err := audit.ExtractHeaders(req.Header, cfg.HeaderPrefix)
			if err != nil {
				cfg.Logger.Warn().Err(err).
					Str("request_id", requestID(c)).
					Msg("rejecting request with invalid audit headers")
				return c.JSON(http.StatusRequestHeaderFieldsTooLarge,
					fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooLong, err.Error()))
			}
			ctx = fhir.WithAuditHeaders(ctx, headers)
			c.SetRequest(req.WithContext(ctx))

			if req.Method == http.MethodPost && strings.Trim(strings.TrimPrefix(req.URL.Path, base), "/") == "" {
				return next(c)
			}

			uri := strings.TrimLeft(strings.TrimPrefix(req.URL.Path, base), "/")
			if req.URL.RawQuery != "" {
				uri += "?" + req.URL.RawQuery
			}
			sr := fhir.NewSubRequest(req.Method, uri, nil,
				fhir.ConditionalHeaders{IfNoneExist: req.Header.Get("If-None-Exist")}, fhir.RequestContext{})
			action, resourceType := sr.Action(), sr.ResourceType()

			var claims map[string]string
			if p, ok := fhir.PrincipalFromContext(ctx); ok {
				claims = p.Claims()
			}
			corrID := requestID(c)

			cfg.Recorder.RecordExecuting(ctx, action, uri, corrID, claims, headers)
			herr := next(c)
			status := c.Response().Status
			if herr != nil && !c.Response().Committed {
				status = statusFromError(herr)
			}
			cfg.Recorder.RecordExecuted(ctx, action, resourceType, uri, status, corrID, claims, headers)

			return herr
		}
	}
}

func underBase(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+"/")
}

func requestID(c echo.Context) string {
	if rid, ok := c.Get("request_id").(string); ok && rid != "" {
		return rid
	}
	return c.Response().Header().Get(RequestIDHeader)
}
