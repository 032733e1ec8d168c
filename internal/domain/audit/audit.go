package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType represents the type of entity being audited.
type EntityType string

const (
	EntityTypeInstrument  EntityType = "INSTRUMENT"
	EntityTypeApplication EntityType = "APPLICATION"
	EntityTypeTransfer    EntityType = "TRANSFER"
)

// Action represents the audited operation.
type Action string

const (
	ActionIssue        Action = "ISSUE"
	ActionTransition   Action = "TRANSITION"
	ActionTransfer     Action = "TRANSFER"
	ActionSubmit       Action = "SUBMIT"
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
	ActionSplit        Action = "SPLIT"
	ActionMerge        Action = "MERGE"
	ActionFreeze       Action = "FREEZE"
	ActionCancel       Action = "CANCEL"
	ActionChainSubmit  Action = "CHAIN_SUBMIT"
	ActionChainConfirm Action = "CHAIN_CONFIRM"
	ActionChainFail    Action = "CHAIN_FAIL"
	ActionRetry        Action = "RETRY_ONCHAIN"
	ActionRollback     Action = "ROLLBACK_TO_DRAFT"
	ActionReconcile    Action = "RECONCILE"
	ActionFlag         Action = "FLAG_DIVERGENCE"
)

// RiskLevel classifies the audited operation.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// AuditLog is one append-only audit record. Records are never updated or
// deleted.
type AuditLog struct {
	ID         int64           `json:"id"`
	AuditID    uuid.UUID       `json:"auditId"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     Action          `json:"action"`
	Actor      string          `json:"actor"`
	ActorRoles []string        `json:"actorRoles,omitempty"`
	OldValues  json.RawMessage `json:"oldValues,omitempty"`
	NewValues  json.RawMessage `json:"newValues,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	RiskLevel  RiskLevel       `json:"riskLevel"`
	TxHash     *string         `json:"txHash,omitempty"`
	TraceID    string          `json:"traceId,omitempty"`
	Signature  []byte          `json:"signature,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// AuditEntry is the input for creating an audit log.
type AuditEntry struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	Actor      string
	ActorRoles []string
	OldValues  interface{}
	NewValues  interface{}
	Reason     string
	TxHash     *string
	TraceID    string
}

// NewAuditLog builds an audit log from an entry, serializing snapshots and
// classifying risk.
func NewAuditLog(entry *AuditEntry) (*AuditLog, error) {
	log := &AuditLog{
		AuditID:    uuid.New(),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Actor:      entry.Actor,
		ActorRoles: entry.ActorRoles,
		Reason:     entry.Reason,
		TxHash:     entry.TxHash,
		TraceID:    entry.TraceID,
		RiskLevel:  classifyRisk(entry.Action),
		CreatedAt:  time.Now().UTC(),
	}
	if entry.OldValues != nil {
		data, err := json.Marshal(entry.OldValues)
		if err != nil {
			return nil, fmt.Errorf("marshal old values: %w", err)
		}
		log.OldValues = data
	}
	if entry.NewValues != nil {
		data, err := json.Marshal(entry.NewValues)
		if err != nil {
			return nil, fmt.Errorf("marshal new values: %w", err)
		}
		log.NewValues = data
	}
	return log, nil
}

func classifyRisk(action Action) RiskLevel {
	switch action {
	case ActionCancel, ActionRollback, ActionFlag:
		return RiskLevelCritical
	case ActionSplit, ActionMerge, ActionFreeze, ActionTransfer:
		return RiskLevelHigh
	case ActionApprove, ActionReject, ActionChainFail, ActionRetry:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// QueryFilter represents filters for querying audit logs.
type QueryFilter struct {
	EntityType *EntityType
	EntityID   *string
	Action     *Action
	Actor      *string
	RiskLevel  *RiskLevel
	StartTime  *time.Time
	EndTime    *time.Time
	TraceID    *string
}

// Cursor is a pagination cursor over (created_at, id).
type Cursor struct {
	CreatedAt time.Time `json:"ts"`
	ID        int64     `json:"id"`
}

// Repository defines the interface for audit log persistence. The store is
// append-only; there are no update or delete operations.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	GetByID(ctx context.Context, auditID uuid.UUID) (*AuditLog, error)
	Query(ctx context.Context, filter QueryFilter, cursor *Cursor, limit int) ([]*AuditLog, *Cursor, error)
	GetByEntityID(ctx context.Context, entityType EntityType, entityID string) ([]*AuditLog, error)
}
