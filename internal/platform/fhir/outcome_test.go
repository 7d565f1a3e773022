package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestOutcomeForStatus(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusBadRequest, IssueTypeInvalid},
		{http.StatusUnprocessableEntity, IssueTypeInvalid},
		{http.StatusUnauthorized, IssueTypeLogin},
		{http.StatusForbidden, IssueTypeForbidden},
		{http.StatusNotFound, IssueTypeNotFound},
		{http.StatusMethodNotAllowed, IssueTypeNotSupported},
		{http.StatusPreconditionFailed, IssueTypeConflict},
		{http.StatusGone, IssueTypeDeleted},
		{http.StatusRequestEntityTooLarge, IssueTypeTooLong},
		{http.StatusTooManyRequests, IssueTypeThrottled},
		{http.StatusGatewayTimeout, IssueTypeTimeout},
		{http.StatusInternalServerError, IssueTypeException},
		{http.StatusTeapot, IssueTypeProcessing},
	}
	for _, tt := range tests {
		oo := OutcomeForStatus(tt.status, "")
		if oo.Issue[0].Code != tt.code {
			t.Errorf("status %d: code = %q, want %q", tt.status, oo.Issue[0].Code, tt.code)
		}
		if oo.Issue[0].Diagnostics != http.StatusText(tt.status) {
			t.Errorf("status %d: expected status text diagnostics, got %q", tt.status, oo.Issue[0].Diagnostics)
		}
	}
	if OutcomeForStatus(400, "bad field").Issue[0].Diagnostics != "bad field" {
		t.Error("explicit diagnostics must be kept")
	}
}

func TestFixedOutcomes(t *testing.T) {
	oo := ForbiddenOutcome()
	if oo.Issue[0].Code != IssueTypeForbidden || oo.Issue[0].Diagnostics != "Authorization failed." {
		t.Errorf("unexpected forbidden outcome: %+v", oo.Issue[0])
	}
	oo = RouteNotFoundOutcome("GET", "Foo/1/bar")
	if !strings.Contains(oo.Issue[0].Diagnostics, "GET Foo/1/bar") {
		t.Errorf("route not found must name the route, got %q", oo.Issue[0].Diagnostics)
	}
	oo = MethodNotAllowedOutcome("DELETE", "Patient")
	if oo.Issue[0].Code != IssueTypeNotSupported || !strings.Contains(oo.Issue[0].Diagnostics, "'Patient'") {
		t.Errorf("unexpected method not allowed outcome: %+v", oo.Issue[0])
	}
	if InternalErrorOutcome("boom").Issue[0].Severity != IssueSeverityFatal {
		t.Error("internal errors are fatal")
	}
}

func TestOutcomeBuilder(t *testing.T) {
	b := NewOutcomeBuilder()
	b.AddIssue(IssueSeverityWarning, IssueTypeValue, "odd value").
		AddIssueWithLocation(IssueSeverityError, IssueTypeRequired, "missing", "Bundle.entry[0].request")
	if b.Len() != 2 {
		t.Fatalf("expected 2 issues, got %d", b.Len())
	}
	oo := b.Build()
	if !oo.HasErrors() {
		t.Error("expected HasErrors with an error issue")
	}
	if oo.Issue[1].Expression[0] != "Bundle.entry[0].request" {
		t.Errorf("unexpected expression %v", oo.Issue[1].Expression)
	}

	warn := NewOutcomeBuilder().AddIssue(IssueSeverityWarning, IssueTypeValue, "x").Build()
	if warn.HasErrors() {
		t.Error("warnings alone are not errors")
	}

	if NotFoundOutcome("Patient", "9").FirstDiagnostics() != "Resource type 'Patient' with id '9' couldn't be found." {
		t.Error("unexpected not-found diagnostics")
	}
	var none *OperationOutcome
	if none.FirstDiagnostics() != "" {
		t.Error("nil outcome has no diagnostics")
	}
}

func TestParsePreferReturn(t *testing.T) {
	tests := []struct {
		header string
		want   PreferReturnPreference
	}{
		{"", ReturnRepresentation},
		{"return=minimal", ReturnMinimal},
		{"respond-async; return=OperationOutcome", ReturnOperationOutcome},
		{"handling=strict, return=minimal", ReturnMinimal},
		{"return=bogus", ReturnRepresentation},
	}
	for _, tt := range tests {
		if got := ParsePreferReturn(tt.header); got != tt.want {
			t.Errorf("ParsePreferReturn(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestWriteResource(t *testing.T) {
	e := echo.New()
	resource := map[string]interface{}{"resourceType": "Patient", "id": "1"}

	tests := []struct {
		prefer   string
		wantBody string
	}{
		{"", `"resourceType":"Patient"`},
		{"return=minimal", ""},
		{"return=OperationOutcome", `"resourceType":"OperationOutcome"`},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/fhir/Patient", nil)
		if tt.prefer != "" {
			req.Header.Set(HeaderPrefer, tt.prefer)
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := WriteResource(c, http.StatusCreated, resource, "created"); err != nil {
			t.Fatalf("WriteResource: %v", err)
		}
		if rec.Code != http.StatusCreated {
			t.Errorf("prefer %q: status = %d", tt.prefer, rec.Code)
		}
		if tt.wantBody == "" {
			if rec.Body.Len() != 0 {
				t.Errorf("prefer %q: expected no body, got %q", tt.prefer, rec.Body.String())
			}
			continue
		}
		if !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Errorf("prefer %q: body %q missing %q", tt.prefer, rec.Body.String(), tt.wantBody)
		}
	}
}

func TestWriteOutcome(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := WriteOutcome(c, http.StatusNotFound, nil); err != nil {
		t.Fatalf("WriteOutcome: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var oo OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if oo.Issue[0].Code != IssueTypeNotFound {
		t.Errorf("expected a not-found issue, got %+v", oo.Issue)
	}
}
