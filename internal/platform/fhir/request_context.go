package fhir

import (
	"context"
	"strings"
)

// Principal is the authenticated caller on whose behalf a request runs.
type Principal struct {
	Subject  string
	TenantID string
	ClientID string
	Roles    []string
	Scopes   []string
}

// Claims flattens the principal into the key/value form stored with audit
// records. Empty values are omitted.
func (p Principal) Claims() map[string]string {
	claims := make(map[string]string, 5)
	if p.Subject != "" {
		claims["sub"] = p.Subject
	}
	if p.TenantID != "" {
		claims["tenant_id"] = p.TenantID
	}
	if p.ClientID != "" {
		claims["client_id"] = p.ClientID
	}
	if len(p.Roles) > 0 {
		claims["roles"] = strings.Join(p.Roles, ",")
	}
	if len(p.Scopes) > 0 {
		claims["scope"] = strings.Join(p.Scopes, " ")
	}
	return claims
}

// RequestContext is the per-request state threaded from the bundle endpoint
// through the dispatcher into the audit recorder. It is built once per
// inbound HTTP request and treated as a value: use the With* methods to
// derive a modified copy.
type RequestContext struct {
	BaseURI       string
	CorrelationID string
	Principal     Principal
	Prefer        string

	auditHeaders map[string]string
}

// NewRequestContext creates a RequestContext. The header map is copied.
func NewRequestContext(baseURI, correlationID string, principal Principal, auditHeaders map[string]string) RequestContext {
	return RequestContext{
		BaseURI:       strings.TrimRight(baseURI, "/"),
		CorrelationID: correlationID,
		Principal:     principal,
		auditHeaders:  copyStringMap(auditHeaders),
	}
}

// WithPrefer returns a copy carrying the given Prefer header value.
func (rc RequestContext) WithPrefer(prefer string) RequestContext {
	rc.Prefer = prefer
	return rc
}

// AuditHeaders returns a copy of the custom headers echoed into audit records.
func (rc RequestContext) AuditHeaders() map[string]string {
	return copyStringMap(rc.auditHeaders)
}

// Claims returns the flattened principal claims.
func (rc RequestContext) Claims() map[string]string {
	return rc.Principal.Claims()
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type requestContextKey struct{}
type subRequestKey struct{}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx, if any.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// WithSubRequest marks ctx as belonging to a bundle sub-request. Middleware
// that already ran for the outer bundle request checks this marker.
func WithSubRequest(ctx context.Context) context.Context {
	return context.WithValue(ctx, subRequestKey{}, true)
}

// IsSubRequest reports whether ctx belongs to a bundle sub-request.
func IsSubRequest(ctx context.Context) bool {
	v, _ := ctx.Value(subRequestKey{}).(bool)
	return v
}

type principalKey struct{}
type auditHeadersKey struct{}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithAuditHeaders stores the custom headers to echo into audit records.
func WithAuditHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, auditHeadersKey{}, copyStringMap(headers))
}

// AuditHeadersFromContext returns the custom audit headers stored in ctx.
func AuditHeadersFromContext(ctx context.Context) map[string]string {
	h, _ := ctx.Value(auditHeadersKey{}).(map[string]string)
	return copyStringMap(h)
}
