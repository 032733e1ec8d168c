package lineage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Operation is the derivation that created an edge.
type Operation string

const (
	OpSplit Operation = "SPLIT"
	OpMerge Operation = "MERGE"
)

// Edge is one parent/child derivation link. Edges form a DAG: a merge
// product has multiple parents, a split parent has multiple children.
// Lineage is immutable once written.
type Edge struct {
	ID        int64     `json:"id"`
	ParentID  uuid.UUID `json:"parentId"`
	ChildID   uuid.UUID `json:"childId"`
	Operation Operation `json:"operation"`
	CreatedAt time.Time `json:"createdAt"`
}

// Graph is the lineage neighborhood of one instrument: every edge reachable
// upward (ancestors) and downward (descendants) from it.
type Graph struct {
	InstrumentID uuid.UUID `json:"instrumentId"`
	Ancestors    []*Edge   `json:"ancestors"`
	Descendants  []*Edge   `json:"descendants"`
}

// Repository defines persistence for lineage edges.
type Repository interface {
	CreateBatch(ctx context.Context, edges []*Edge) error
	Children(ctx context.Context, parentID uuid.UUID) ([]*Edge, error)
	Parents(ctx context.Context, childID uuid.UUID) ([]*Edge, error)
	Graph(ctx context.Context, instrumentID uuid.UUID) (*Graph, error)
}
