package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeProcessor struct {
	got  BundleSubmission
	resp *Bundle
	err  error
}

func (p *fakeProcessor) Handle(_ context.Context, req BundleSubmission) (*Bundle, error) {
	p.got = req
	if p.err != nil {
		return nil, p.err
	}
	if p.resp != nil {
		return p.resp, nil
	}
	return NewResponseBundle(req.Bundle.Type, nil), nil
}

func postBundle(t *testing.T, h *BundleHandler, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e.Group("/fhir"))

	req := httptest.NewRequest(http.MethodPost, "/fhir", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestProcessBundle_BuildsRequestContext(t *testing.T) {
	p := &fakeProcessor{}
	h := NewBundleHandler(p, "")

	rec := postBundle(t, h, `{"resourceType":"Bundle","type":"batch","entry":[]}`, func(r *http.Request) {
		r.Host = "ehr.example:8443"
		r.Header.Set(echo.HeaderXRequestID, "req-123")
		r.Header.Set(HeaderPrefer, "return=OperationOutcome")
		ctx := WithPrincipal(r.Context(), Principal{Subject: "nurse-2"})
		ctx = WithAuditHeaders(ctx, map[string]string{"X-Audit-Site": "north"})
		*r = *r.WithContext(ctx)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rc := p.got.Context
	if rc.BaseURI != "http://ehr.example:8443/fhir" {
		t.Errorf("unexpected derived base %q", rc.BaseURI)
	}
	if rc.CorrelationID != "req-123" || rc.Prefer != "return=OperationOutcome" {
		t.Errorf("unexpected context %+v", rc)
	}
	if rc.Principal.Subject != "nurse-2" || rc.AuditHeaders()["X-Audit-Site"] != "north" {
		t.Errorf("principal or audit headers not carried: %+v", rc)
	}

	var b Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil || b.Type != BundleTypeBatchResponse {
		t.Errorf("expected a batch-response, got %s (%v)", rec.Body.String(), err)
	}
}

func TestProcessBundle_ConfiguredBaseAndGeneratedID(t *testing.T) {
	p := &fakeProcessor{}
	h := NewBundleHandler(p, "https://fhir.example/r4/")

	postBundle(t, h, `{"resourceType":"Bundle","type":"transaction"}`, nil)
	if p.got.Context.BaseURI != "https://fhir.example/r4" {
		t.Errorf("unexpected base %q", p.got.Context.BaseURI)
	}
	if p.got.Context.CorrelationID == "" {
		t.Error("expected a generated correlation id")
	}
}

func TestProcessBundle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"malformed json", `{"resourceType":`, nil, http.StatusBadRequest, IssueTypeStructure},
		{"not a bundle", `{"resourceType":"Patient"}`, nil, http.StatusBadRequest, IssueTypeInvalid},
		{"validation", `{"resourceType":"Bundle","type":"x"}`,
			&BundleValidationError{Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "bad type")},
			http.StatusBadRequest, IssueTypeInvalid},
		{"transaction", `{"resourceType":"Bundle","type":"transaction"}`,
			&TransactionFailedError{Status: http.StatusConflict, Outcome: ConflictOutcome("version conflict"), EntryIndex: 0},
			http.StatusConflict, IssueTypeConflict},
		{"timeout", `{"resourceType":"Bundle","type":"batch"}`,
			fmt.Errorf("stopped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, IssueTypeTimeout},
		{"cancelled", `{"resourceType":"Bundle","type":"batch"}`,
			fmt.Errorf("stopped: %w", context.Canceled), http.StatusServiceUnavailable, IssueTypeTimeout},
		{"internal", `{"resourceType":"Bundle","type":"batch"}`,
			errors.New("boom"), http.StatusInternalServerError, IssueTypeException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postBundle(t, NewBundleHandler(&fakeProcessor{err: tt.err}, ""), tt.body, nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			var oo OperationOutcome
			if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if oo.ResourceType != "OperationOutcome" || oo.Issue[0].Code != tt.code {
				t.Errorf("unexpected outcome %+v", oo)
			}
		})
	}
}

type tooLargeReader struct{}

func (tooLargeReader) Read([]byte) (int, error) {
	return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

func TestProcessBundle_OversizedBody(t *testing.T) {
	p := &fakeProcessor{}
	rec := postBundle(t, NewBundleHandler(p, ""), "", func(r *http.Request) {
		r.Body = io.NopCloser(tooLargeReader{})
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if p.got.Bundle != nil {
		t.Error("an oversized Bundle must not reach the processor")
	}
}

func TestProcessBundle_TrailingSlashRoute(t *testing.T) {
	p := &fakeProcessor{}
	e := echo.New()
	NewBundleHandler(p, "").RegisterRoutes(e.Group("/fhir"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fhir/", strings.NewReader(`{"resourceType":"Bundle","type":"batch"}`)))
	if rec.Code != http.StatusOK {
		t.Errorf("expected POST /fhir/ to be routed, got %d", rec.Code)
	}
}
