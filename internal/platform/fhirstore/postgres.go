package fhirstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ohm/healthmanager/internal/platform/db"
)

// PostgresBackend stores resources in the fhir_resource and
// fhir_resource_history tables.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend returns a backend over the fhir_resource tables.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, b.pool)
}

const resourceCols = `resource_type, id, version_id, content, refs, deleted, last_updated`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		content []byte
	)
	if err := row.Scan(&rec.ResourceType, &rec.ID, &rec.VersionID, &content, &rec.Refs, &rec.Deleted, &rec.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return nil, fmt.Errorf("decode %s/%s content: %w", rec.ResourceType, rec.ID, err)
	}
	return &rec, nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Current locks the row when called inside a transaction so that the
// read-increment-write of a version number cannot interleave.
func (b *PostgresBackend) Current(ctx context.Context, resourceType, id string) (*Record, error) {
	q := `SELECT ` + resourceCols + ` FROM fhir_resource WHERE resource_type = $1 AND id = $2`
	if db.TxFromContext(ctx) != nil {
		q += ` FOR UPDATE`
	}
	return scanRecord(b.conn(ctx).QueryRow(ctx, q, resourceType, id))
}

func (b *PostgresBackend) Version(ctx context.Context, resourceType, id string, version int) (*Record, error) {
	return scanRecord(b.conn(ctx).QueryRow(ctx, `
		SELECT resource_type, id, version_id, content, '{}'::text[], deleted, last_updated
		FROM fhir_resource_history
		WHERE resource_type = $1 AND id = $2 AND version_id = $3`,
		resourceType, id, version))
}

func (b *PostgresBackend) History(ctx context.Context, resourceType, id string) ([]*Record, error) {
	rows, err := b.conn(ctx).Query(ctx, `
		SELECT resource_type, id, version_id, content, '{}'::text[], deleted, last_updated
		FROM fhir_resource_history
		WHERE resource_type = $1 AND id = $2
		ORDER BY version_id DESC`,
		resourceType, id)
	if err != nil {
		return nil, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// Put upserts the current row and appends the version to history.
func (b *PostgresBackend) Put(ctx context.Context, rec *Record) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("encode %s/%s content: %w", rec.ResourceType, rec.ID, err)
	}
	refs := rec.Refs
	if refs == nil {
		refs = []string{}
	}

	return db.RunInTx(ctx, b.pool, func(ctx context.Context) error {
		if _, err := b.conn(ctx).Exec(ctx, `
			INSERT INTO fhir_resource (resource_type, id, version_id, content, refs, deleted, last_updated)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
			ON CONFLICT (resource_type, id) DO UPDATE SET
				version_id = EXCLUDED.version_id,
				content = EXCLUDED.content,
				refs = EXCLUDED.refs,
				deleted = EXCLUDED.deleted,
				last_updated = EXCLUDED.last_updated`,
			rec.ResourceType, rec.ID, rec.VersionID, string(content), refs, rec.Deleted, rec.LastUpdated); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", rec.ResourceType, rec.ID, err)
		}
		if _, err := b.conn(ctx).Exec(ctx, `
			INSERT INTO fhir_resource_history (resource_type, id, version_id, content, deleted, last_updated)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
			rec.ResourceType, rec.ID, rec.VersionID, string(content), rec.Deleted, rec.LastUpdated); err != nil {
			return fmt.Errorf("insert %s/%s history: %w", rec.ResourceType, rec.ID, err)
		}
		return nil
	})
}

// Search translates params into a JSONB containment query.
func (b *PostgresBackend) Search(ctx context.Context, resourceType string, params SearchParams) ([]*Record, error) {
	q, args, err := buildSearchQuery(resourceType, params)
	if err != nil {
		return nil, err
	}
	rows, err := b.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// InTx runs fn in a database transaction, joining one already in ctx.
func (b *PostgresBackend) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, b.pool, fn)
}

func buildSearchQuery(resourceType string, params SearchParams) (string, []interface{}, error) {
	where := []string{"deleted = FALSE"}
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if resourceType != "" {
		where = append(where, "resource_type = "+arg(resourceType))
	}
	if params.Criteria != nil {
		pattern, err := json.Marshal(params.Criteria)
		if err != nil {
			return "", nil, fmt.Errorf("encode search criteria: %w", err)
		}
		where = append(where, "content @> "+arg(string(pattern))+"::jsonb")
	}
	if params.Reference != "" {
		where = append(where, arg(params.Reference)+" = ANY(refs)")
	}
	if !params.UpdatedSince.IsZero() {
		where = append(where, "last_updated >= "+arg(params.UpdatedSince.UTC().Truncate(time.Microsecond)))
	}

	q := `SELECT ` + resourceCols + ` FROM fhir_resource WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY last_updated DESC, id`
	if params.Count > 0 {
		q += " LIMIT " + arg(params.Count)
	}
	return q, args, nil
}
