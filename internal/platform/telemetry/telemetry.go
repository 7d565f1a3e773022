// Package telemetry configures OpenTelemetry tracing for the server. Spans
// are exported to the structured log; the orchestrator and the HTTP
// middleware create them.
package telemetry

import (
	"context"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TracingEnabled bool
	SampleRate     float64 // 0.0 to 1.0
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "fhir-bundle-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// ---------------------------------------------------------------------------
// TelemetryProvider
// ---------------------------------------------------------------------------

// TelemetryProvider owns the tracer provider. With tracing disabled every
// tracer it hands out is a no-op.
type TelemetryProvider struct {
	cfg TelemetryConfig
	sdk *sdktrace.TracerProvider
	tp  trace.TracerProvider
}

// NewTelemetryProvider creates the provider. Extra options are appended to
// the SDK configuration, which lets tests attach a span recorder.
func NewTelemetryProvider(cfg TelemetryConfig, logger zerolog.Logger, opts ...sdktrace.TracerProviderOption) *TelemetryProvider {
	cfg.applyDefaults()
	if !cfg.TracingEnabled {
		return &TelemetryProvider{cfg: cfg, tp: noop.NewTracerProvider()}
	}

	all := append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		sdktrace.WithBatcher(NewLogExporter(logger, cfg)),
	}, opts...)
	sdk := sdktrace.NewTracerProvider(all...)
	return &TelemetryProvider{cfg: cfg, sdk: sdk, tp: sdk}
}

// Tracer returns a named tracer.
func (p *TelemetryProvider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// TracerProvider returns the underlying provider.
func (p *TelemetryProvider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Resource returns the service attributes attached to exported spans.
func (p *TelemetryProvider) Resource() map[string]string {
	return resourceAttrs(p.cfg)
}

func resourceAttrs(cfg TelemetryConfig) map[string]string {
	return map[string]string{
		"service.name":           cfg.ServiceName,
		"service.version":        cfg.ServiceVersion,
		"deployment.environment": cfg.Environment,
	}
}

// ---------------------------------------------------------------------------
// LogExporter
// ---------------------------------------------------------------------------

// LogExporter writes finished spans to a zerolog logger at debug level.
type LogExporter struct {
	logger zerolog.Logger
}

// NewLogExporter creates an exporter that tags every span with the service
// attributes of cfg.
func NewLogExporter(logger zerolog.Logger, cfg TelemetryConfig) *LogExporter {
	cfg.applyDefaults()
	ctx := logger.With().Str("type", "span")
	for k, v := range resourceAttrs(cfg) {
		ctx = ctx.Str(k, v)
	}
	return &LogExporter{logger: ctx.Logger()}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		evt := e.logger.Debug().
			Str("trace_id", s.SpanContext().TraceID().String()).
			Str("span_id", s.SpanContext().SpanID().String()).
			Str("name", s.Name()).
			Str("kind", s.SpanKind().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		if s.Parent().IsValid() {
			evt = evt.Str("parent_span_id", s.Parent().SpanID().String())
		}
		if st := s.Status(); st.Code == codes.Error {
			evt = evt.Str("status", "error").Str("status_description", st.Description)
		}
		for _, kv := range s.Attributes() {
			evt = evt.Str(string(kv.Key), kv.Value.Emit())
		}
		evt.Msg("span")
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error { return nil }

// ---------------------------------------------------------------------------
// TracingMiddleware
// ---------------------------------------------------------------------------

// TracingMiddleware returns an Echo middleware that creates a span for every
// HTTP request. Bundle sub-requests get internal spans that are children of
// the entry span started by the orchestrator.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	tracer := p.Tracer("github.com/ehr/fhirbundle/internal/platform/telemetry")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			kind := trace.SpanKindServer
			if fhir.IsSubRequest(req.Context()) {
				kind = trace.SpanKindInternal
			}
			ctx, span := tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(kind),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("url.path", req.URL.Path),
				))
			defer span.End()
			if rt := extractFHIRResourceType(req.URL.Path); rt != "" {
				span.SetAttributes(attribute.String("fhir.resource_type", rt))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, "server error")
			}
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// extractFHIRResourceType parses a FHIR resource type from a URL path.
// It returns "" for non-FHIR paths, operation paths ($export), or empty
// segments.
func extractFHIRResourceType(path string) string {
	const prefix = "/fhir/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}

	rest := path[idx+len(prefix):]
	if rest == "" {
		return ""
	}

	// Take up to next slash.
	if slashIdx := strings.IndexByte(rest, '/'); slashIdx >= 0 {
		rest = rest[:slashIdx]
	}

	// Must start with uppercase letter (FHIR resource types are PascalCase).
	if len(rest) == 0 || !unicode.IsUpper(rune(rest[0])) {
		return ""
	}

	return rest
}
