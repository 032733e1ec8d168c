package actor

import (
	"errors"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// ErrForbidden is returned when the authorizer rejects an operation.
var ErrForbidden = errors.New("operation not permitted for actor")

// Authorizer decides whether an actor may perform an operation on a target
// instrument. Invoked at every workflow entry point, decoupled from any
// request-routing framework. A nil target means the operation is not scoped
// to a single instrument.
type Authorizer interface {
	Authorize(a Actor, op Operation, target *instrument.Instrument) bool
}

// RoleAuthorizer is a role- and enterprise-scoped Authorizer.
type RoleAuthorizer struct{}

// Authorize applies the default policy: admins may do anything, reviewers
// review and reconcile, operators run lifecycle operations on instruments
// held by their enterprise, everyone authenticated may read.
func (RoleAuthorizer) Authorize(a Actor, op Operation, target *instrument.Instrument) bool {
	if a.HasRole(RoleAdmin) {
		return true
	}
	switch op {
	case OpRead:
		return true
	case OpReviewApplication, OpReconcile:
		return a.HasRole(RoleReviewer)
	case OpIssue:
		return a.HasRole(RoleOperator) || a.HasRole(RoleEnterprise)
	case OpSubmitApplication, OpTransition, OpTransfer, OpRetryOnchain, OpRollbackToDraft:
		if !a.HasRole(RoleOperator) && !a.HasRole(RoleEnterprise) {
			return false
		}
		if target == nil {
			return true
		}
		return target.EnterpriseID == a.EnterpriseID
	}
	return false
}
