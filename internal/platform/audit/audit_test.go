package audit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type failingSink struct{ calls int }

func (f *failingSink) Append(context.Context, Entry) error {
	f.calls++
	return errors.New("sink unavailable")
}

type ctxSink struct{ errs []error }

func (s *ctxSink) Append(ctx context.Context, _ Entry) error {
	s.errs = append(s.errs, ctx.Err())
	return nil
}

func TestRecorder_Pair(t *testing.T) {
	sink := NewMemorySink()
	r := NewRecorder(zerolog.Nop(), sink)

	claims := map[string]string{"sub": "user-1"}
	headers := map[string]string{"X-Audit-Reason": "care"}
	r.RecordExecuting(context.Background(), "read", "Patient/1", "corr-1", claims, headers)
	r.RecordExecuted(context.Background(), "read", "Patient", "Patient/1", 200, "corr-1", claims, headers)

	entries, err := sink.ListByCorrelation(context.Background(), "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Phase != PhaseExecuting || entries[1].Phase != PhaseExecuted {
		t.Errorf("unexpected phases: %s, %s", entries[0].Phase, entries[1].Phase)
	}
	if entries[0].StatusCode != nil {
		t.Errorf("Executing entry must not carry a status")
	}
	if entries[1].StatusCode == nil || *entries[1].StatusCode != 200 {
		t.Errorf("expected status 200 on Executed entry")
	}
	if entries[1].ResourceType != "Patient" {
		t.Errorf("expected resource type Patient, got %q", entries[1].ResourceType)
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Errorf("expected distinct non-empty ids")
	}
	if entries[0].Claims["sub"] != "user-1" || entries[0].CustomHeaders["X-Audit-Reason"] != "care" {
		t.Errorf("claims or headers not recorded: %+v", entries[0])
	}
}

func TestRecorder_CopiesMaps(t *testing.T) {
	sink := NewMemorySink()
	r := NewRecorder(zerolog.Nop(), sink)

	claims := map[string]string{"sub": "user-1"}
	r.RecordExecuting(context.Background(), "create", "Patient", "corr", claims, nil)
	claims["sub"] = "mutated"

	got := sink.All()[0]
	if got.Claims["sub"] != "user-1" {
		t.Errorf("recorded claims changed after the call: %q", got.Claims["sub"])
	}
	got.Claims["sub"] = "changed-by-reader"
	if sink.All()[0].Claims["sub"] != "user-1" {
		t.Errorf("stored entry mutated through a returned copy")
	}
	if got.CustomHeaders == nil {
		t.Errorf("expected empty header map, got nil")
	}
}

func TestRecorder_SinkFailureIgnored(t *testing.T) {
	bad := &failingSink{}
	good := NewMemorySink()
	r := NewRecorder(zerolog.Nop(), bad, good)

	r.RecordExecuting(context.Background(), "delete", "Patient/1", "corr", nil, nil)

	if bad.calls != 1 {
		t.Errorf("expected failing sink to be called once, got %d", bad.calls)
	}
	if len(good.All()) != 1 {
		t.Errorf("expected the healthy sink to receive the entry")
	}
}

func TestRecorder_CancelledContext(t *testing.T) {
	sink := &ctxSink{}
	r := NewRecorder(zerolog.Nop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RecordExecuted(ctx, "update", "Patient", "Patient/1", 200, "corr", nil, nil)

	if len(sink.errs) != 1 || sink.errs[0] != nil {
		t.Errorf("sink should receive a live context, got %v", sink.errs)
	}
}

func TestRecorder_UsesClock(t *testing.T) {
	sink := NewMemorySink()
	r := NewRecorder(zerolog.Nop(), sink)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.RecordExecuting(context.Background(), "batch", "", "corr", nil, nil)
	if !sink.All()[0].Recorded.Equal(fixed) {
		t.Errorf("expected recorded time %v, got %v", fixed, sink.All()[0].Recorded)
	}
}

func TestMemorySink_FiltersByCorrelation(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	_ = sink.Append(ctx, Entry{ID: "1", CorrelationID: "a"})
	_ = sink.Append(ctx, Entry{ID: "2", CorrelationID: "b"})
	_ = sink.Append(ctx, Entry{ID: "3", CorrelationID: "a"})

	got, _ := sink.ListByCorrelation(ctx, "a")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("unexpected entries: %+v", got)
	}

	sink.Reset()
	if len(sink.All()) != 0 {
		t.Errorf("expected no entries after Reset")
	}
}

func TestExtractHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Audit-Reason", "treatment")
	h.Set("X-Audit-Site", "north")
	h.Set("Authorization", "Bearer x")
	h["x-audit-lower"] = []string{"a", "b"}

	got, err := ExtractHeaders(h, DefaultHeaderPrefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 headers, got %d: %v", len(got), got)
	}
	if got["X-Audit-Reason"] != "treatment" {
		t.Errorf("unexpected reason: %q", got["X-Audit-Reason"])
	}
	if got["X-Audit-Lower"] != "a, b" {
		t.Errorf("expected joined values, got %q", got["X-Audit-Lower"])
	}
	if _, ok := got["Authorization"]; ok {
		t.Errorf("non-prefixed header must not be captured")
	}
}

func TestExtractHeaders_EmptyPrefix(t *testing.T) {
	h := http.Header{}
	h.Set("X-Audit-Reason", "treatment")
	got, err := ExtractHeaders(h, "")
	if err != nil || len(got) != 0 {
		t.Errorf("expected no headers, got %v (%v)", got, err)
	}
}

func TestExtractHeaders_TooMany(t *testing.T) {
	h := http.Header{}
	for i := 0; i <= MaxCustomHeaders; i++ {
		h.Set("X-Audit-H"+string(rune('a'+i)), "v")
	}
	_, err := ExtractHeaders(h, DefaultHeaderPrefix)
	if !errors.Is(err, ErrTooManyHeaders) {
		t.Errorf("expected ErrTooManyHeaders, got %v", err)
	}
}

func TestExtractHeaders_AtLimits(t *testing.T) {
	h := http.Header{}
	for i := 0; i < MaxCustomHeaders; i++ {
		h.Set("X-Audit-H"+string(rune('a'+i)), strings.Repeat("v", MaxCustomHeaderLength))
	}
	got, err := ExtractHeaders(h, DefaultHeaderPrefix)
	if err != nil {
		t.Fatalf("headers at the limit must be accepted: %v", err)
	}
	if len(got) != MaxCustomHeaders {
		t.Errorf("expected %d headers, got %d", MaxCustomHeaders, len(got))
	}
}

func TestExtractHeaders_TooLong(t *testing.T) {
	h := http.Header{}
	h.Set("X-Audit-Note", strings.Repeat("x", MaxCustomHeaderLength+1))
	_, err := ExtractHeaders(h, DefaultHeaderPrefix)
	if !errors.Is(err, ErrHeaderTooLong) {
		t.Errorf("expected ErrHeaderTooLong, got %v", err)
	}
}
