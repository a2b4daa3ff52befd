package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit events from the audit_logs table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the PostgreSQL-backed audit repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timelineQuery = `
SELECT occurred_at, actor, action, entity, entity_id, meta
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
	AND ($2::timestamptz IS NULL OR occurred_at < $2)
	AND ($3::text IS NULL OR actor = $3)
	AND ($4::text IS NULL OR entity = $4)
	AND ($5::text IS NULL OR action = $5)
	AND ($6::text IS NULL OR entity_id = $6)
ORDER BY occurred_at DESC`

func (r *PGRepository) TimelineWindow(ctx context.Context, params WindowParams) ([]TimelineRow, error) {
	query := timelineQuery + " OFFSET $7 LIMIT $8"
	rows, err := r.pool.Query(ctx, query,
		params.FromAt, params.ToAt, params.Actor, params.Entity, params.Action, params.EntityID,
		params.OffsetRows, params.LimitRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeline(rows)
}

func (r *PGRepository) TimelineAll(ctx context.Context, params WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineQuery,
		params.FromAt, params.ToAt, params.Actor, params.Entity, params.Action, params.EntityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeline(rows)
}

func collectTimeline(rows pgx.Rows) ([]TimelineRow, error) {
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var meta []byte
		if err := rows.Scan(&row.At, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &row.Meta)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
