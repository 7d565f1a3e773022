// Package audit records paired Executing/Executed entries for every
// operation the server performs, correlated by the id of the inbound HTTP
// request that caused them.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Phase distinguishes the record written before an operation runs from the
// one written after it completes.
type Phase string

const (
	PhaseExecuting Phase = "Executing"
	PhaseExecuted  Phase = "Executed"
)

// Entry is one audit record. Entries are never modified after they are
// appended to a sink.
type Entry struct {
	ID            string            `json:"id"`
	Phase         Phase             `json:"phase"`
	Action        string            `json:"action"`
	ResourceType  string            `json:"resourceType,omitempty"`
	URI           string            `json:"uri"`
	StatusCode    *int              `json:"statusCode,omitempty"`
	CorrelationID string            `json:"correlationId"`
	Claims        map[string]string `json:"claims,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
	Recorded      time.Time         `json:"recorded"`
}

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Querier reads back the entries of one correlation id in the order they
// were recorded.
type Querier interface {
	ListByCorrelation(ctx context.Context, correlationID string) ([]Entry, error)
}

// Store is a sink that can also be queried.
type Store interface {
	Sink
	Querier
}

// Recorder builds audit entries and fans them out to its sinks. Sink
// failures are logged and never reported to the caller. A single Recorder
// is safe for concurrent use as long as its sinks are.
type Recorder struct {
	sinks  []Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder writing to the given sinks.
func NewRecorder(logger zerolog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:  sinks,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordExecuting records that an operation is about to run.
func (r *Recorder) RecordExecuting(ctx context.Context, action, uri, correlationID string, claims, headers map[string]string) {
	r.record(ctx, Entry{
		Phase:         PhaseExecuting,
		Action:        action,
		URI:           uri,
		CorrelationID: correlationID,
		Claims:        copyMap(claims),
		CustomHeaders: copyMap(headers),
	})
}

// RecordExecuted records the completion of an operation with its status.
func (r *Recorder) RecordExecuted(ctx context.Context, action, resourceType, uri string, statusCode int, correlationID string, claims, headers map[string]string) {
	status := statusCode
	r.record(ctx, Entry{
		Phase:         PhaseExecuted,
		Action:        action,
		ResourceType:  resourceType,
		URI:           uri,
		StatusCode:    &status,
		CorrelationID: correlationID,
		Claims:        copyMap(claims),
		CustomHeaders: copyMap(headers),
	})
}

func (r *Recorder) record(ctx context.Context, e Entry) {
	e.ID = uuid.New().String()
	e.Recorded = r.now()

	// Entries are written even when the request has been cancelled.
	ctx = context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, e); err != nil {
			r.logger.Error().Err(err).
				Str("correlation_id", e.CorrelationID).
				Str("phase", string(e.Phase)).
				Str("action", e.Action).
				Msg("failed to record audit entry")
		}
	}

	evt := r.logger.Debug().
		Str("type", "audit").
		Str("phase", string(e.Phase)).
		Str("action", e.Action).
		Str("resource_type", e.ResourceType).
		Str("uri", e.URI).
		Str("correlation_id", e.CorrelationID)
	if e.StatusCode != nil {
		evt = evt.Int("status", *e.StatusCode)
	}
	evt.Msg("audit")
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone returns a deep copy of e so callers cannot mutate stored entries.
func (e Entry) clone() Entry {
	out := e
	out.Claims = copyMap(e.Claims)
	out.CustomHeaders = copyMap(e.CustomHeaders)
	if e.StatusCode != nil {
		s := *e.StatusCode
		out.StatusCode = &s
	}
	return out
}
