package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    phase TEXT NOT NULL CHECK(phase IN ('Executing','Executed')),
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL DEFAULT '',
    uri TEXT NOT NULL DEFAULT '',
    status_code INTEGER,
    correlation_id TEXT NOT NULL,
    claims TEXT NOT NULL DEFAULT '{}',
    custom_headers TEXT NOT NULL DEFAULT '{}',
    recorded TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_correlation ON audit_log(correlation_id, seq);
`

// SQLiteSink stores audit entries in an embedded SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite audit database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}
	return newSQLiteSink(db)
}

// OpenSQLiteMemory creates an in-memory SQLite audit database (useful for
// testing).
func OpenSQLiteMemory() (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory audit database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	return newSQLiteSink(db)
}

func newSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	claims, err := json.Marshal(copyMap(e.Claims))
	if err != nil {
		return fmt.Errorf("marshalling claims: %w", err)
	}
	headers, err := json.Marshal(copyMap(e.CustomHeaders))
	if err != nil {
		return fmt.Errorf("marshalling custom headers: %w", err)
	}

	var status sql.NullInt64
	if e.StatusCode != nil {
		status = sql.NullInt64{Int64: int64(*e.StatusCode), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, phase, action, resource_type, uri, status_code,
			correlation_id, claims, custom_headers, recorded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		string(e.Phase),
		e.Action,
		e.ResourceType,
		e.URI,
		status,
		e.CorrelationID,
		string(claims),
		string(headers),
		e.Recorded.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListByCorrelation implements Querier.
func (s *SQLiteSink) ListByCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phase, action, resource_type, uri, status_code,
			   correlation_id, claims, custom_headers, recorded
		FROM audit_log WHERE correlation_id = ? ORDER BY seq`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e               Entry
			phase, recorded string
			claims, headers string
			status          sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &phase, &e.Action, &e.ResourceType, &e.URI, &status,
			&e.CorrelationID, &claims, &headers, &recorded); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Phase = Phase(phase)
		if status.Valid {
			code := int(status.Int64)
			e.StatusCode = &code
		}
		if err := json.Unmarshal([]byte(claims), &e.Claims); err != nil {
			return nil, fmt.Errorf("unmarshalling claims: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &e.CustomHeaders); err != nil {
			return nil, fmt.Errorf("unmarshalling custom headers: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			e.Recorded = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
