package hipaa

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/db"
)

// fakeQuerier records the statements issued against it.
type fakeQuerier struct {
	execSQL  string
	execArgs []any
	execErr  error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

var _ db.Querier = (*fakeQuerier)(nil)
var _ audit.Store = (*AuditLogger)(nil)

// fakeRow returns fixed column values from Scan.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case **int:
			if v, ok := r.values[i].(int); ok {
				*p = &v
			}
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

func TestAppend_Args(t *testing.T) {
	q := &fakeQuerier{}
	logger := NewAuditLogger(q)

	status := 404
	e := audit.Entry{
		ID:            "0b9c4c55-1f0a-4c3e-9d91-6f8a2b0d1e11",
		Phase:         audit.PhaseExecuted,
		Action:        "read",
		ResourceType:  "Patient",
		URI:           "Patient/1",
		StatusCode:    &status,
		CorrelationID: "corr-1",
		Claims:        map[string]string{"sub": "u1"},
		Recorded:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := logger.Append(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(q.execSQL, "INSERT INTO audit_log") {
		t.Errorf("unexpected SQL: %s", q.execSQL)
	}
	if len(q.execArgs) != 10 {
		t.Fatalf("expected 10 args, got %d", len(q.execArgs))
	}
	if q.execArgs[1] != "Executed" {
		t.Errorf("expected phase Executed, got %v", q.execArgs[1])
	}
	if sc, ok := q.execArgs[5].(*int); !ok || *sc != 404 {
		t.Errorf("expected status 404, got %v", q.execArgs[5])
	}
	if q.execArgs[7] != `{"sub":"u1"}` {
		t.Errorf("unexpected claims JSON: %v", q.execArgs[7])
	}
	if q.execArgs[8] != `{}` {
		t.Errorf("nil headers must be stored as {}, got %v", q.execArgs[8])
	}
}

func TestAppend_Error(t *testing.T) {
	q := &fakeQuerier{execErr: errors.New("connection reset")}
	err := NewAuditLogger(q).Append(context.Background(), audit.Entry{ID: "x"})
	if err == nil || !strings.Contains(err.Error(), "hipaa audit: insert entry") {
		t.Errorf("expected wrapped insert error, got %v", err)
	}
}

func TestScanEntry(t *testing.T) {
	recorded := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	row := fakeRow{values: []any{
		"id-1", "Executed", "create", "Patient", "Patient", 201,
		"corr", `{"sub":"u"}`, `{"X-Audit-Reason":"r"}`, recorded,
	}}

	e, err := scanEntry(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Phase != audit.PhaseExecuted || e.Action != "create" || e.CorrelationID != "corr" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.StatusCode == nil || *e.StatusCode != 201 {
		t.Errorf("expected status 201")
	}
	if e.Claims["sub"] != "u" || e.CustomHeaders["X-Audit-Reason"] != "r" {
		t.Errorf("maps not decoded: %+v", e)
	}
	if !e.Recorded.Equal(recorded) {
		t.Errorf("expected recorded %v, got %v", recorded, e.Recorded)
	}
}

func TestScanEntry_BadJSON(t *testing.T) {
	row := fakeRow{values: []any{
		"id-1", "Executing", "read", "", "Patient/1", nil,
		"corr", `not-json`, `{}`, time.Now(),
	}}
	if _, err := scanEntry(row); err == nil {
		t.Error("expected error for invalid claims JSON")
	}
}
