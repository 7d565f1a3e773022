package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// SecurityHeadersConfig controls SecurityHeaders.
type SecurityHeadersConfig struct {
	// HSTS enables Strict-Transport-Security. Only set it when the server
	// is reached over TLS.
	HSTS bool
	// CacheablePaths are route paths whose responses hold no patient data
	// and may be cached by clients.
	CacheablePaths map[string]bool
}

// SecurityHeaders returns middleware that sets security response headers on
// every direct request. Bundle sub-request responses are never sent to a
// client and are left alone.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if fhir.IsSubRequest(c.Request().Context()) {
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if !cfg.CacheablePaths[c.Path()] {
				h.Set("Cache-Control", "no-store")
			}

			return next(c)
		}
	}
}
