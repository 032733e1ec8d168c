package application

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind represents the irreversible operation an application requests.
type Kind string

const (
	KindFreeze Kind = "FREEZE"
	KindCancel Kind = "CANCEL"
	KindSplit  Kind = "SPLIT"
	KindMerge  Kind = "MERGE"
)

// ReviewStatus represents the application review state.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewApproved ReviewStatus = "APPROVED"
	ReviewRejected ReviewStatus = "REJECTED"
)

// Decision represents the reviewer's choice.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Application represents a pending request for an irreversible operation.
// Applications terminally transition to APPROVED or REJECTED and are never
// mutated after that point. At most one PENDING application of a given kind
// may exist per target instrument; the database enforces this with a partial
// unique index, not a read-then-write check.
type Application struct {
	ID            int64           `json:"id"`
	ApplicationID uuid.UUID       `json:"applicationId"`
	Kind          Kind            `json:"kind"`
	TargetIDs     []uuid.UUID     `json:"targetIds"`
	ApplicantID   uuid.UUID       `json:"applicantId"`
	ReviewStatus  ReviewStatus    `json:"reviewStatus"`
	ReviewerID    *uuid.UUID      `json:"reviewerId,omitempty"`
	Reason        string          `json:"reason"`
	ReviewNote    *string         `json:"reviewNote,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FailureReason *string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ReviewedAt    *time.Time      `json:"reviewedAt,omitempty"`
}
