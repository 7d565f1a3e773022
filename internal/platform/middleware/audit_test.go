package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// recorded is one call made to mockRecorder.
type recorded struct {
	phase        audit.Phase
	action       string
	resourceType string
	uri          string
	status       int
	corrID       string
	claims       map[string]string
	headers      map[string]string
}

// mockRecorder collects audit calls for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []recorded
}

func (m *mockRecorder) RecordExecuting(_ context.Context, action, uri, corrID string, claims, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, recorded{phase: audit.PhaseExecuting, action: action, uri: uri,
		corrID: corrID, claims: claims, headers: headers})
}

func (m *mockRecorder) RecordExecuted(_ context.Context, action, resourceType, uri string, status int, corrID string, claims, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, recorded{phase: audit.PhaseExecuted, action: action, resourceType: resourceType,
		uri: uri, status: status, corrID: corrID, claims: claims, headers: headers})
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// newTestContext creates an echo context with optional request modifiers.
func newTestContext(method, target string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-123")
	return c, rec
}

func withPrincipal(p fhir.Principal) func(*http.Request) {
	return func(req *http.Request) {
		*req = *req.WithContext(fhir.WithPrincipal(req.Context(), p))
	}
}

func withHeader(name, value string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(name, value)
	}
}

func newAudit(rec fhir.AuditRecorder) echo.MiddlewareFunc {
	return Audit(AuditConfig{
		Recorder:     rec,
		Logger:       zerolog.Nop(),
		BasePath:     "/fhir",
		HeaderPrefix: audit.DefaultHeaderPrefix,
	})
}

func TestAudit_ReadPair(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/fhir/Patient/123",
		withPrincipal(fhir.Principal{Subject: "dr-smith", Roles: []string{"physician"}}),
		withHeader("X-Audit-Purpose", "treatment"))

	if err := newAudit(rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 2 {
		t.Fatalf("expected an Executing/Executed pair, got %d entries", rec.count())
	}
	executing, executed := rec.entries[0], rec.entries[1]
	if executing.phase != audit.PhaseExecuting || executed.phase != audit.PhaseExecuted {
		t.Errorf("unexpected phases %s, %s", executing.phase, executed.phase)
	}
	if executing.action != "read" || executing.uri != "Patient/123" {
		t.Errorf("unexpected Executing entry: %+v", executing)
	}
	if executed.status != http.StatusOK || executed.resourceType != "Patient" {
		t.Errorf("unexpected Executed entry: %+v", executed)
	}
	if executing.corrID != "req-123" || executed.corrID != "req-123" {
		t.Errorf("expected correlation id req-123, got %q/%q", executing.corrID, executed.corrID)
	}
	if executed.claims["sub"] != "dr-smith" || executed.claims["roles"] != "physician" {
		t.Errorf("unexpected claims: %v", executed.claims)
	}
	if executed.headers["X-Audit-Purpose"] != "treatment" {
		t.Errorf("unexpected headers: %v", executed.headers)
	}
}

func TestAudit_Actions(t *testing.T) {
	tests := []struct {
		method string
		target string
		header string
		want   string
	}{
		{http.MethodPost, "/fhir/Observation", "", "create"},
		{http.MethodPost, "/fhir/Patient", "identifier=123", "conditional-create"},
		{http.MethodGet, "/fhir/Patient?name=smith", "", "search-type"},
		{http.MethodPut, "/fhir/Patient/1", "", "update"},
		{http.MethodDelete, "/fhir/Patient?identifier=9", "", "conditional-delete"},
		{http.MethodGet, "/fhir/Patient/1/_history/2", "", "vread"},
		{http.MethodGet, "/fhir/metadata", "", "capabilities"},
		{http.MethodGet, "/fhir/Patient/1/2/3/4/5", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := &mockRecorder{}
			var opts []func(*http.Request)
			if tt.header != "" {
				opts = append(opts, withHeader("If-None-Exist", tt.header))
			}
			c, _ := newTestContext(tt.method, tt.target, opts...)
			_ = newAudit(rec)(okHandler)(c)

			if rec.count() != 2 {
				t.Fatalf("expected 2 entries, got %d", rec.count())
			}
			if rec.entries[0].action != tt.want {
				t.Errorf("expected action %s, got %s", tt.want, rec.entries[0].action)
			}
		})
	}
}

func TestAudit_ErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/fhir/Patient/404")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err := newAudit(rec)(handler)(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if rec.entries[1].status != http.StatusNotFound {
		t.Errorf("expected Executed status 404, got %d", rec.entries[1].status)
	}
}

func TestAudit_SkipsSubRequests(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/fhir/Patient/1", func(req *http.Request) {
		*req = *req.WithContext(fhir.WithSubRequest(req.Context()))
	})
	_ = newAudit(rec)(okHandler)(c)
	if rec.count() != 0 {
		t.Errorf("sub-requests are audited by the orchestrator, got %d entries", rec.count())
	}
}

func TestAudit_SkipsBundleButExposesHeaders(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/fhir", withHeader("X-Audit-Site", "north"))

	var seen map[string]string
	handler := func(c echo.Context) error {
		seen = fhir.AuditHeadersFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}
	_ = newAudit(rec)(handler)(c)

	if rec.count() != 0 {
		t.Errorf("bundle submissions are audited by the orchestrator, got %d entries", rec.count())
	}
	if seen["X-Audit-Site"] != "north" {
		t.Errorf("expected audit headers in context, got %v", seen)
	}
}

func TestAudit_SkipsOtherPaths(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/health")
	_ = newAudit(rec)(okHandler)(c)

	c2, _ := newTestContext(http.MethodGet, "/fhirish/Patient")
	_ = newAudit(rec)(okHandler)(c2)

	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_RejectsTooManyHeaders(t *testing.T) {
	rec := &mockRecorder{}
	c, res := newTestContext(http.MethodGet, "/fhir/Patient/1", func(req *http.Request) {
		for i := 0; i <= audit.MaxCustomHeaders; i++ {
			req.Header.Set("X-Audit-H"+string(rune('a'+i)), "v")
		}
	})

	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	}
	if err := newAudit(rec)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if called {
		t.Error("handler must not run")
	}
	if res.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("expected 431, got %d", res.Code)
	}
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(res.Body.Bytes(), &oo); err != nil {
		t.Fatalf("invalid OperationOutcome: %v", err)
	}
	if len(oo.Issue) != 1 || oo.Issue[0].Code != fhir.IssueTypeTooLong {
		t.Errorf("expected too-long issue, got %+v", oo.Issue)
	}
	if rec.count() != 0 {
		t.Errorf("rejected requests are not audited, got %d entries", rec.count())
	}
}

func TestAudit_RejectsLongHeaderOnBundle(t *testing.T) {
	rec := &mockRecorder{}
	c, res := newTestContext(http.MethodPost, "/fhir",
		withHeader("X-Audit-Note", strings.Repeat("x", audit.MaxCustomHeaderLength+1)))

	_ = newAudit(rec)(func(c echo.Context) error {
		t.Error("bundle handler must not run")
		return nil
	})(c)

	if res.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("expected 431, got %d", res.Code)
	}
}
