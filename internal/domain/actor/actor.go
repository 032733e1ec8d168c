package actor

import (
	"github.com/google/uuid"
)

// Role represents an actor role.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleReviewer   Role = "REVIEWER"
	RoleOperator   Role = "OPERATOR"
	RoleEnterprise Role = "ENTERPRISE"
)

// Actor describes an authenticated caller. Authentication itself is an
// external collaborator; this package only carries its result.
type Actor struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Roles        []Role    `json:"roles"`
	EnterpriseID uuid.UUID `json:"enterpriseId"`
}

// HasRole reports whether the actor carries the role.
func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) String() string {
	return "actor:" + a.Name
}

// Operation names an authorizable operation on an instrument.
type Operation string

const (
	OpIssue             Operation = "ISSUE"
	OpTransition        Operation = "TRANSITION"
	OpTransfer          Operation = "TRANSFER"
	OpSubmitApplication Operation = "SUBMIT_APPLICATION"
	OpReviewApplication Operation = "REVIEW_APPLICATION"
	OpRetryOnchain      Operation = "RETRY_ONCHAIN"
	OpRollbackToDraft   Operation = "ROLLBACK_TO_DRAFT"
	OpReconcile         Operation = "RECONCILE"
	OpRead              Operation = "READ"
)
