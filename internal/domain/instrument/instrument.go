package instrument

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind represents the instrument kind.
type Kind string

const (
	KindBill             Kind = "BILL"
	KindWarehouseReceipt Kind = "WAREHOUSE_RECEIPT"
)

// Status represents instrument lifecycle status.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusPendingOnchain Status = "PENDING_ONCHAIN"
	StatusNormal         Status = "NORMAL"
	StatusOnchainFailed  Status = "ONCHAIN_FAILED"
	StatusFrozen         Status = "FROZEN"
	StatusPledged        Status = "PLEDGED"
	StatusEndorsed       Status = "ENDORSED"
	StatusTransferred    Status = "TRANSFERRED"
	StatusDiscounted     Status = "DISCOUNTED"
	StatusFinanced       Status = "FINANCED"
	StatusSplit          Status = "SPLIT"
	StatusMerged         Status = "MERGED"
	StatusCancelled      Status = "CANCELLED"
	StatusDishonored     Status = "DISHONORED"
	StatusSettled        Status = "SETTLED"
)

// ChainStatus represents blockchain anchoring status, orthogonal to Status.
type ChainStatus string

const (
	ChainNotOnchain ChainStatus = "NOT_ONCHAIN"
	ChainPending    ChainStatus = "PENDING"
	ChainOnchain    ChainStatus = "ONCHAIN"
	ChainFailed     ChainStatus = "FAILED"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPreconditionFailed = errors.New("transition precondition failed")
	ErrConflict           = errors.New("optimistic concurrency conflict")
	ErrNotFound           = errors.New("instrument not found")
)

// Instrument represents a bill or electronic warehouse receipt.
type Instrument struct {
	ID            int64           `json:"id"`
	InstrumentID  uuid.UUID       `json:"instrumentId"`
	Kind          Kind            `json:"kind"`
	Status        Status          `json:"status"`
	ChainStatus   ChainStatus     `json:"chainStatus"`
	TxHash        *string         `json:"txHash,omitempty"`
	Value         decimal.Decimal `json:"value"`
	Quantity      *int64          `json:"quantity,omitempty"`
	GoodsType     *string         `json:"goodsType,omitempty"`
	BillType      *string         `json:"billType,omitempty"`
	HolderID      uuid.UUID       `json:"holderId"`
	EnterpriseID  uuid.UUID       `json:"enterpriseId"`
	Version       int64           `json:"version"`
	ParentID      *uuid.UUID      `json:"parentId,omitempty"`
	ChildIDs      []uuid.UUID     `json:"childIds,omitempty"`
	DueDate       *time.Time      `json:"dueDate,omitempty"`
	PendingReview *string         `json:"pendingReview,omitempty"`
	FailedVersion *int64          `json:"failedVersion,omitempty"`
	FailureReason *string         `json:"failureReason,omitempty"`
	Flagged       bool            `json:"flagged"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsTerminal reports whether status admits no further transitions. A SPLIT
// parent is terminal for transactions but remains readable for lineage.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusSettled, StatusMerged, StatusSplit:
		return true
	}
	return false
}

// Transactable reports whether the instrument can take part in
// value-affecting operations in its current state.
func (i *Instrument) Transactable() bool {
	return i.Status == StatusNormal && i.ChainStatus == ChainOnchain && i.PendingReview == nil
}

// Snapshot returns a shallow copy for audit before/after records.
func (i *Instrument) Snapshot() Instrument {
	cp := *i
	if i.ChildIDs != nil {
		cp.ChildIDs = append([]uuid.UUID(nil), i.ChildIDs...)
	}
	return cp
}
