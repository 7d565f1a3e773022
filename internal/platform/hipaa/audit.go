// Package hipaa persists the audit trail to Postgres.
package hipaa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/db"
)

// AuditLogger writes audit entries to the audit_log table.
//
// Writes always go through the pool, never through the transaction carried
// by the request context, so entries recorded during a rolled back
// transaction Bundle are kept.
type AuditLogger struct {
	pool db.Querier
}

// NewAuditLogger creates a new AuditLogger backed by the given pool.
func NewAuditLogger(pool db.Querier) *AuditLogger {
	return &AuditLogger{pool: pool}
}

const insertEntry = `
	INSERT INTO audit_log (
		id, phase, action, resource_type, uri, status_code,
		correlation_id, claims, custom_headers, recorded
	) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10)`

const selectByCorrelation = `
	SELECT id::text, phase, action, resource_type, uri, status_code,
		   correlation_id, claims::text, custom_headers::text, recorded
	FROM audit_log
	WHERE correlation_id = $1
	ORDER BY seq`

// Append implements audit.Sink.
func (a *AuditLogger) Append(ctx context.Context, e audit.Entry) error {
	args, err := entryArgs(e)
	if err != nil {
		return fmt.Errorf("hipaa audit: %w", err)
	}
	if _, err := a.pool.Exec(ctx, insertEntry, args...); err != nil {
		return fmt.Errorf("hipaa audit: insert entry: %w", err)
	}
	return nil
}

// ListByCorrelation implements audit.Querier.
func (a *AuditLogger) ListByCorrelation(ctx context.Context, correlationID string) ([]audit.Entry, error) {
	rows, err := a.pool.Query(ctx, selectByCorrelation, correlationID)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: query entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hipaa audit: iterate entries: %w", err)
	}
	return entries, nil
}

func entryArgs(e audit.Entry) ([]any, error) {
	claims, err := json.Marshal(nonNil(e.Claims))
	if err != nil {
		return nil, fmt.Errorf("marshal claims: %w", err)
	}
	headers, err := json.Marshal(nonNil(e.CustomHeaders))
	if err != nil {
		return nil, fmt.Errorf("marshal custom headers: %w", err)
	}
	return []any{
		e.ID, string(e.Phase), e.Action, e.ResourceType, e.URI, e.StatusCode,
		e.CorrelationID, string(claims), string(headers), e.Recorded,
	}, nil
}

func scanEntry(row pgx.Row) (audit.Entry, error) {
	var (
		e               audit.Entry
		phase           string
		claims, headers string
	)
	if err := row.Scan(&e.ID, &phase, &e.Action, &e.ResourceType, &e.URI, &e.StatusCode,
		&e.CorrelationID, &claims, &headers, &e.Recorded); err != nil {
		return audit.Entry{}, fmt.Errorf("hipaa audit: scan entry: %w", err)
	}
	e.Phase = audit.Phase(phase)
	if err := json.Unmarshal([]byte(claims), &e.Claims); err != nil {
		return audit.Entry{}, fmt.Errorf("hipaa audit: decode claims: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &e.CustomHeaders); err != nil {
		return audit.Entry{}, fmt.Errorf("hipaa audit: decode custom headers: %w", err)
	}
	return e, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
