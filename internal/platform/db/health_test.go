package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type healthBody struct {
	Status string `json:"status"`
	Checks map[string]struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Pool   json.RawMessage `json:"pool"`
	} `json:"checks"`
}

func probe(t *testing.T, checks ...Check) (int, healthBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := HealthHandler(checks...)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := probe(t, Check{"resources", fakePinger{}}, Check{"audit", fakePinger{}})
	if code != http.StatusOK || body.Status != "healthy" {
		t.Fatalf("expected healthy 200, got %d %+v", code, body)
	}
	if len(body.Checks) != 2 || body.Checks["audit"].Status != "healthy" {
		t.Errorf("unexpected checks %+v", body.Checks)
	}
	if body.Checks["resources"].Pool != nil {
		t.Error("pool stats only apply to pgx pools")
	}
}

func TestHealthHandler_OneBackendDown(t *testing.T) {
	code, body := probe(t,
		Check{"resources", fakePinger{}},
		Check{"audit", fakePinger{err: errors.New("connection refused")}})
	if code != http.StatusServiceUnavailable || body.Status != "unhealthy" {
		t.Fatalf("expected unhealthy 503, got %d %+v", code, body)
	}
	if body.Checks["resources"].Status != "healthy" || body.Checks["audit"].Error != "connection refused" {
		t.Errorf("unexpected checks %+v", body.Checks)
	}
}

func TestHealthHandler_NoChecks(t *testing.T) {
	code, body := probe(t)
	if code != http.StatusOK || body.Status != "healthy" {
		t.Errorf("expected healthy with nothing to check, got %d %+v", code, body)
	}
}
