package audit

import (
	"context"
	"sync"
)

// MemorySink keeps audit entries in process memory. It is used in tests and
// in development when no database is configured.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e.clone())
	return nil
}

// ListByCorrelation implements Querier.
func (s *MemorySink) ListByCorrelation(_ context.Context, correlationID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.CorrelationID == correlationID {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// All returns every entry in recording order.
func (s *MemorySink) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out
}

// Reset discards all entries.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
