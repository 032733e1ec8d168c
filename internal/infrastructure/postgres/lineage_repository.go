package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/lineage"
)

// LineageRepository implements lineage.Repository over an edge-list table.
type LineageRepository struct {
	db *DB
}

func NewLineageRepository(db *DB) *LineageRepository {
	return &LineageRepository{db: db}
}

func (r *LineageRepository) CreateBatch(ctx context.Context, edges []*lineage.Edge) error {
	for _, e := range edges {
		_, err := r.db.q(ctx).Exec(ctx, `
			INSERT INTO instrument_lineage (parent_id, child_id, operation, created_at)
			VALUES ($1,$2,$3,$4)
		`, e.ParentID, e.ChildID, e.Operation, e.CreatedAt)
		if err != nil {
			return mapWriteErr(err)
		}
	}
	return nil
}

func (r *LineageRepository) Children(ctx context.Context, parentID uuid.UUID) ([]*lineage.Edge, error) {
	return r.query(ctx, `
		SELECT id, parent_id, child_id, operation, created_at
		FROM instrument_lineage WHERE parent_id=$1 ORDER BY id ASC
	`, parentID)
}

func (r *LineageRepository) Parents(ctx context.Context, childID uuid.UUID) ([]*lineage.Edge, error) {
	return r.query(ctx, `
		SELECT id, parent_id, child_id, operation, created_at
		FROM instrument_lineage WHERE child_id=$1 ORDER BY id ASC
	`, childID)
}

// Graph walks the DAG both ways from the instrument with recursive CTEs.
func (r *LineageRepository) Graph(ctx context.Context, instrumentID uuid.UUID) (*lineage.Graph, error) {
	ancestors, err := r.query(ctx, `
		WITH RECURSIVE up AS (
			SELECT id, parent_id, child_id, operation, created_at
			FROM instrument_lineage WHERE child_id=$1
			UNION
			SELECT l.id, l.parent_id, l.child_id, l.operation, l.created_at
			FROM instrument_lineage l JOIN up ON l.child_id = up.parent_id
		)
		SELECT id, parent_id, child_id, operation, created_at FROM up ORDER BY id ASC
	`, instrumentID)
	if err != nil {
		return nil, err
	}
	descendants, err := r.query(ctx, `
		WITH RECURSIVE down AS (
			SELECT id, parent_id, child_id, operation, created_at
			FROM instrument_lineage WHERE parent_id=$1
			UNION
			SELECT l.id, l.parent_id, l.child_id, l.operation, l.created_at
			FROM instrument_lineage l JOIN down ON l.parent_id = down.child_id
		)
		SELECT id, parent_id, child_id, operation, created_at FROM down ORDER BY id ASC
	`, instrumentID)
	if err != nil {
		return nil, err
	}
	return &lineage.Graph{
		InstrumentID: instrumentID,
		Ancestors:    ancestors,
		Descendants:  descendants,
	}, nil
}

func (r *LineageRepository) query(ctx context.Context, sql string, args ...any) ([]*lineage.Edge, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []*lineage.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanEdge(row pgx.Row) (*lineage.Edge, error) {
	var e lineage.Edge
	if err := row.Scan(&e.ID, &e.ParentID, &e.ChildID, &e.Operation, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
