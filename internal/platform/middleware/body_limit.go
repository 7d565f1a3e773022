package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

const defaultBodyLimit int64 = 1 << 20

// BodyLimitConfig holds the size limits as human-readable strings such as
// "512K", "10M" or "1G". A bare number is bytes; an unparsable or
// non-positive value falls back to 1M.
type BodyLimitConfig struct {
	Default string
	// Bundle applies to POST on BundlePath, where batch and transaction
	// Bundles are submitted.
	Bundle     string
	BundlePath string
}

// BodyLimit rejects request bodies over the configured size with 413 and an
// OperationOutcome. Content-Length is checked up front; bodies of unknown
// length fail on the read that crosses the limit, which surfaces as an
// *echo.HTTPError to the handler. Bundle sub-requests were already bounded
// by the enclosing Bundle and pass through.
func BodyLimit(cfg BodyLimitConfig) echo.MiddlewareFunc {
	defaultBytes := parseLimit(cfg.Default)
	bundleBytes := parseLimit(cfg.Bundle)
	bundlePath := strings.TrimSuffix(cfg.BundlePath, "/")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody || fhir.IsSubRequest(req.Context()) {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && bundlePath != "" && strings.TrimSuffix(req.URL.Path, "/") == bundlePath {
				limit = bundleBytes
			}
			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, tooLargeOutcome(limit))
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

func tooLargeOutcome(limit int64) *fhir.OperationOutcome {
	return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooLong,
		fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit))
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	// One byte past the limit is enough to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func parseLimit(s string) int64 {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	var unit int64 = 1
	if s != "" {
		switch s[len(s)-1] {
		case 'K':
			unit = 1 << 10
		case 'M':
			unit = 1 << 20
		case 'G':
			unit = 1 << 30
		}
		if unit > 1 {
			s = s[:len(s)-1]
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n * unit
}
