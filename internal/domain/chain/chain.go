package chain

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TxStatus is the chain-side status of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

var (
	// ErrGateway marks blockchain submission/query failures. The instrument
	// is parked in ONCHAIN_FAILED and the operation stays retryable.
	ErrGateway = errors.New("blockchain gateway error")
	// ErrDivergence marks a database/chain history mismatch found by
	// reconciliation. Never auto-recovered.
	ErrDivergence = errors.New("ledger divergence detected")
	// ErrNotLeader is returned by an embedded ledger node that cannot accept
	// writes; callers treat it as a gateway error.
	ErrNotLeader = errors.New("node is not the ledger leader")
)

// TxRecord is one transaction as recorded by the chain.
type TxRecord struct {
	TxHash         string    `json:"txHash"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Ref            string    `json:"ref"`
	Operation      string    `json:"operation"`
	PayloadHash    string    `json:"payloadHash"`
	Status         TxStatus  `json:"status"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Gateway is the external blockchain collaborator. Submit must tolerate
// duplicate submission of the same idempotency key, returning the original
// transaction hash instead of applying the effect twice.
type Gateway interface {
	Submit(ctx context.Context, idempotencyKey string, payload []byte) (string, error)
	QueryStatus(ctx context.Context, txHash string) (TxStatus, error)
	// LookupKey resolves a previously submitted idempotency key, or nil if
	// the chain has never seen it. Used by the startup reconciliation sweep.
	LookupKey(ctx context.Context, idempotencyKey string) (*TxRecord, error)
	// History returns every transaction recorded against a reference
	// (instrument id), in chain order.
	History(ctx context.Context, ref string) ([]*TxRecord, error)
}

// Intent is the durable record of a pending chain write: the payload and
// idempotency token persisted before the gateway call, so a retry resubmits
// byte-identical content under the same key.
type Intent struct {
	ID             int64       `json:"id"`
	InstrumentID   uuid.UUID   `json:"instrumentId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Operation      string      `json:"operation"`
	Payload        []byte      `json:"payload"`
	TargetStatus   string      `json:"targetStatus"`
	RelatedIDs     []uuid.UUID `json:"relatedIds,omitempty"`
	TransferID     *uuid.UUID  `json:"transferId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// IntentRepository defines persistence for chain-write intents. At most one
// intent exists per instrument at a time.
type IntentRepository interface {
	Save(ctx context.Context, intent *Intent) error
	GetByInstrument(ctx context.Context, instrumentID uuid.UUID) (*Intent, error)
	Delete(ctx context.Context, instrumentID uuid.UUID) error
}

// DivergenceReport is the read-only result of comparing database and chain
// histories for one instrument.
type DivergenceReport struct {
	InstrumentID uuid.UUID `json:"instrumentId"`
	Divergent    bool      `json:"divergent"`
	Details      []string  `json:"details,omitempty"`
	DBRecords    int       `json:"dbRecords"`
	ChainRecords int       `json:"chainRecords"`
	CheckedAt    time.Time `json:"checkedAt"`
}
