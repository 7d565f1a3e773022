package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// Claims are the JWT claims the server understands. Scopes may arrive as
// the space separated OAuth "scope" claim, as a "fhir_scopes" array, or both.
type Claims struct {
	jwt.RegisteredClaims
	TenantID   string   `json:"tenant_id"`
	ClientID   string   `json:"client_id,omitempty"`
	Roles      []string `json:"roles"`
	Scope      string   `json:"scope,omitempty"`
	FHIRScopes []string `json:"fhir_scopes"`
}

// Principal converts the claims into the caller identity used for
// authorization and audit.
func (c *Claims) Principal() fhir.Principal {
	seen := make(map[string]bool)
	var scopes []string
	for _, s := range append(strings.Fields(c.Scope), c.FHIRScopes...) {
		if !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	return fhir.Principal{
		Subject:  c.Subject,
		TenantID: c.TenantID,
		ClientID: c.ClientID,
		Roles:    c.Roles,
		Scopes:   scopes,
	}
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    middleware.Skipper
}

// JWTMiddleware verifies the bearer token of every request and stores the
// resulting principal in the request context.
//
// Bundle sub-requests are not re-authenticated: they run as the principal
// carried by their RequestContext.
func JWTMiddleware(cfg JWTConfig) (echo.MiddlewareFunc, error) {
	if cfg.Skipper == nil {
		cfg.Skipper = AuthSkipper
	}

	var keyFunc jwt.Keyfunc
	switch {
	case len(cfg.SigningKey) > 0:
		key := cfg.SigningKey
		keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
	case cfg.JWKSURL != "":
		keyFunc = NewKeySet(cfg.JWKSURL, nil).Keyfunc
	case cfg.Issuer != "":
		jwksURL, err := DiscoverJWKSURL(nil, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("resolve JWKS for issuer %s: %w", cfg.Issuer, err)
		}
		keyFunc = NewKeySet(jwksURL, nil).Keyfunc
	default:
		return nil, fmt.Errorf("jwt auth requires a signing key, a JWKS URL or an issuer")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if inheritPrincipal(c) || cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setPrincipal(c, claims.Principal())
			return next(c)
		}
	}, nil
}

// DevelopmentPrincipal is the identity assumed by DevAuthMiddleware.
var DevelopmentPrincipal = fhir.Principal{
	Subject:  "dev-user",
	TenantID: "default",
	Roles:    []string{"admin"},
	Scopes:   []string{"user/*.*"},
}

// DevAuthMiddleware is a permissive middleware for development that runs
// every request as DevelopmentPrincipal.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if inheritPrincipal(c) {
				return next(c)
			}
			setPrincipal(c, DevelopmentPrincipal)
			return next(c)
		}
	}
}

// inheritPrincipal copies the principal of a bundle sub-request from its
// RequestContext and reports whether the request was a sub-request.
func inheritPrincipal(c echo.Context) bool {
	ctx := c.Request().Context()
	if !fhir.IsSubRequest(ctx) {
		return false
	}
	if rc, ok := fhir.RequestContextFrom(ctx); ok {
		setPrincipal(c, rc.Principal)
	}
	return true
}

func setPrincipal(c echo.Context, p fhir.Principal) {
	ctx := fhir.WithPrincipal(c.Request().Context(), p)
	c.SetRequest(c.Request().WithContext(ctx))
}
