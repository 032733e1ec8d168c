package instrument

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter controls instrument listing.
type Filter struct {
	Kind        *Kind
	Status      *Status
	ChainStatus *ChainStatus
	HolderID    *uuid.UUID
	Flagged     *bool
}

// Repository defines persistence for instruments. Update performs a
// compare-and-swap on Version: the row is written only when the stored
// version equals the caller's, and Version is advanced on success;
// a mismatch surfaces as ErrConflict.
type Repository interface {
	Create(ctx context.Context, inst *Instrument) error
	CreateBatch(ctx context.Context, insts []*Instrument) error
	GetByID(ctx context.Context, instrumentID uuid.UUID) (*Instrument, error)
	GetBatch(ctx context.Context, instrumentIDs []uuid.UUID) ([]*Instrument, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Instrument, error)
	ListByChainStatus(ctx context.Context, cs ChainStatus, limit int) ([]*Instrument, error)
	Update(ctx context.Context, inst *Instrument) error
}

// Transfer represents one endorsement/transfer of holdership. Seq is a
// per-instrument monotonic sequence assigned when the transfer is durably
// recorded, independent of chain confirmation order.
type Transfer struct {
	ID           int64      `json:"id"`
	TransferID   uuid.UUID  `json:"transferId"`
	InstrumentID uuid.UUID  `json:"instrumentId"`
	FromHolderID uuid.UUID  `json:"fromHolderId"`
	ToHolderID   uuid.UUID  `json:"toHolderId"`
	Seq          int64      `json:"seq"`
	TxHash       *string    `json:"txHash,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
}

// TransferRepository defines persistence for the transfer history.
type TransferRepository interface {
	// Create assigns the next sequence number for the instrument and
	// inserts the transfer in one statement.
	Create(ctx context.Context, t *Transfer) error
	SetTxHash(ctx context.Context, transferID uuid.UUID, txHash string, confirmedAt time.Time) error
	ListByInstrument(ctx context.Context, instrumentID uuid.UUID) ([]*Transfer, error)
}

// TransitionRecord is the durable dedup record for an applied transition,
// keyed by (instrument, version, event). Replaying the same event against
// the same version returns the recorded result instead of re-executing.
type TransitionRecord struct {
	ID           int64       `json:"id"`
	InstrumentID uuid.UUID   `json:"instrumentId"`
	Version      int64       `json:"version"`
	Event        Event       `json:"event"`
	RequestID    string      `json:"requestId"`
	Status       Status      `json:"status"`
	ChainStatus  ChainStatus `json:"chainStatus"`
	TxHash       *string     `json:"txHash,omitempty"`
	AppliedAt    time.Time   `json:"appliedAt"`
}

// TransitionLog defines persistence for transition dedup records.
type TransitionLog interface {
	// Record inserts the record; a duplicate key surfaces as ErrConflict.
	Record(ctx context.Context, rec *TransitionRecord) error
	Get(ctx context.Context, instrumentID uuid.UUID, version int64, ev Event) (*TransitionRecord, error)
	// GetByRequest resolves a previously applied transition by the caller's
	// request id, so a retry arriving after the version advanced still
	// replays instead of re-executing.
	GetByRequest(ctx context.Context, instrumentID uuid.UUID, ev Event, requestID string) (*TransitionRecord, error)
}
