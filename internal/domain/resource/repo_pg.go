package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirbundle/internal/platform/db"
)

const (
	currentCols = `resource_type, id, version_id, last_updated, deleted, '' AS method, content::text`
	historyCols = `resource_type, id, version_id, last_updated, deleted, method, content::text`

	insertHistory = `
		INSERT INTO fhir_resource_history (resource_type, id, version_id, last_updated, deleted, method, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`

	upsertCurrent = `
		INSERT INTO fhir_resource (resource_type, id, version_id, last_updated, deleted, content)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb))
		ON CONFLICT (resource_type, id) DO UPDATE SET
			version_id = EXCLUDED.version_id,
			last_updated = EXCLUDED.last_updated,
			deleted = EXCLUDED.deleted,
			content = CASE WHEN EXCLUDED.deleted THEN fhir_resource.content ELSE EXCLUDED.content END
		WHERE fhir_resource.version_id = EXCLUDED.version_id - 1`
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PGRepository stores resources as JSONB documents in fhir_resource, with
// every version kept in fhir_resource_history. Queries run on the
// transaction carried by the context when there is one.
type PGRepository struct {
	pool  *pgxpool.Pool
	scope *db.TxScope
}

// NewPGRepository creates a PGRepository over pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, scope: db.NewTxScope(pool)}
}

func (r *PGRepository) Current(ctx context.Context, resourceType, id string) (*Version, error) {
	v, err := scanVersion(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+currentCols+` FROM fhir_resource WHERE resource_type = $1 AND id = $2`, resourceType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return v, nil
}

func (r *PGRepository) Version(ctx context.Context, resourceType, id string, versionID int) (*Version, error) {
	v, err := scanVersion(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+historyCols+` FROM fhir_resource_history WHERE resource_type = $1 AND id = $2 AND version_id = $3`,
		resourceType, id, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s/_history/%d: %w", resourceType, id, versionID, err)
	}
	return v, nil
}

// Save writes the history row and the current row in one transaction, or
// in a savepoint of the transaction already open in ctx.
func (r *PGRepository) Save(ctx context.Context, v *Version) error {
	var content any
	if v.Content != nil {
		data, err := json.Marshal(v.Content)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", v.Reference(), err)
		}
		content = string(data)
	}

	return db.WithinTx(ctx, r.scope, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, insertHistory,
			v.ResourceType, v.ID, v.VersionID, v.LastUpdated, v.Deleted, v.Method, content); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%s version %d already exists: %w", v.Reference(), v.VersionID, ErrVersionConflict)
			}
			return fmt.Errorf("insert history for %s: %w", v.Reference(), err)
		}

		tag, err := q.Exec(ctx, upsertCurrent,
			v.ResourceType, v.ID, v.VersionID, v.LastUpdated, v.Deleted, content)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", v.Reference(), err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%s is not at version %d: %w", v.Reference(), v.VersionID-1, ErrVersionConflict)
		}
		return nil
	})
}

func (r *PGRepository) History(ctx context.Context, resourceType, id string) ([]*Version, error) {
	sql := `SELECT ` + historyCols + ` FROM fhir_resource_history WHERE resource_type = $1`
	args := []any{resourceType}
	if id != "" {
		sql += ` AND id = $2`
		args = append(args, id)
	}
	sql += ` ORDER BY last_updated DESC, id, version_id DESC`

	out, err := r.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if id != "" && len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return out, nil
}

// Search narrows candidates in SQL by _id and by exact system|value
// identifiers, then applies the full criteria to each candidate.
func (r *PGRepository) Search(ctx context.Context, resourceType string, criteria Criteria, limit int) ([]*Version, error) {
	sql, args, err := searchSQL(resourceType, criteria)
	if err != nil {
		return nil, err
	}
	candidates, err := r.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, v := range candidates {
		if criteria.Matches(v.Content) {
			out = append(out, v)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func searchSQL(resourceType string, criteria Criteria) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + currentCols + ` FROM fhir_resource WHERE resource_type = $1 AND NOT deleted`)
	args := []any{resourceType}

	if ids := criteria.IDs(); len(ids) > 0 {
		args = append(args, ids)
		fmt.Fprintf(&sb, ` AND id = ANY($%d)`, len(args))
	}
	if ident, ok := criteria["identifier"]; ok && !strings.Contains(ident, ",") {
		if system, value, ok := strings.Cut(ident, "|"); ok && system != "" && value != "" {
			doc, err := json.Marshal(map[string]any{
				"identifier": []map[string]string{{"system": system, "value": value}},
			})
			if err != nil {
				return "", nil, fmt.Errorf("encode identifier criteria: %w", err)
			}
			args = append(args, string(doc))
			fmt.Fprintf(&sb, ` AND content @> $%d::jsonb`, len(args))
		}
	}
	sb.WriteString(` ORDER BY id`)
	return sb.String(), args, nil
}

func (r *PGRepository) query(ctx context.Context, sql string, args ...any) ([]*Version, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (*Version, error) {
	var (
		v       Version
		content *string
	)
	if err := row.Scan(&v.ResourceType, &v.ID, &v.VersionID, &v.LastUpdated, &v.Deleted, &v.Method, &content); err != nil {
		return nil, err
	}
	if content != nil && !v.Deleted {
		if err := json.Unmarshal([]byte(*content), &v.Content); err != nil {
			return nil, fmt.Errorf("decode %s: %w", v.Reference(), err)
		}
	}
	return &v, nil
}
