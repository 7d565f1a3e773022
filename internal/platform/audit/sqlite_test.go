package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSQLiteSink_AppendAndList(t *testing.T) {
	sink, err := OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	status := 201
	recorded := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	entries := []Entry{
		{ID: "e1", Phase: PhaseExecuting, Action: "create", URI: "Patient", CorrelationID: "c1",
			Claims: map[string]string{"sub": "u"}, Recorded: recorded},
		{ID: "e2", Phase: PhaseExecuting, Action: "read", URI: "Patient/9", CorrelationID: "c2", Recorded: recorded},
		{ID: "e3", Phase: PhaseExecuted, Action: "create", ResourceType: "Patient", URI: "Patient",
			StatusCode: &status, CorrelationID: "c1",
			CustomHeaders: map[string]string{"X-Audit-Reason": "intake"}, Recorded: recorded},
	}
	for _, e := range entries {
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	got, err := sink.ListByCorrelation(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e3" {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].StatusCode != nil {
		t.Errorf("expected nil status on Executing entry")
	}
	if got[1].StatusCode == nil || *got[1].StatusCode != 201 {
		t.Errorf("expected status 201")
	}
	if got[0].Claims["sub"] != "u" {
		t.Errorf("claims not round-tripped: %v", got[0].Claims)
	}
	if got[1].CustomHeaders["X-Audit-Reason"] != "intake" {
		t.Errorf("headers not round-tripped: %v", got[1].CustomHeaders)
	}
	if !got[1].Recorded.Equal(recorded) {
		t.Errorf("expected recorded %v, got %v", recorded, got[1].Recorded)
	}
}

func TestSQLiteSink_DuplicateIDRejected(t *testing.T) {
	sink, err := OpenSQLiteMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()

	e := Entry{ID: "dup", Phase: PhaseExecuting, Action: "read", CorrelationID: "c", Recorded: time.Now()}
	if err := sink.Append(context.Background(), e); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := sink.Append(context.Background(), e); err == nil {
		t.Errorf("expected error on duplicate id")
	}
}

func TestSQLiteSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	sink, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	r := NewRecorder(zerolog.Nop(), sink)
	r.RecordExecuting(context.Background(), "transaction", "", "corr-file", nil, nil)
	r.RecordExecuted(context.Background(), "transaction", "", "", 200, "corr-file", nil, nil)
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ListByCorrelation(context.Background(), "corr-file")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Phase != PhaseExecuting || got[1].Phase != PhaseExecuted {
		t.Errorf("unexpected entries after reopen: %+v", got)
	}
}
