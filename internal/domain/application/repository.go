package application

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter controls application listing.
type Filter struct {
	Kind         *Kind
	ReviewStatus *ReviewStatus
	TargetID     *uuid.UUID
	ApplicantID  *uuid.UUID
}

// Repository defines persistence for applications. Create inserts the
// application and its target rows atomically; a second PENDING application
// of the same kind for any target violates the partial unique index and
// surfaces as instrument.ErrConflict.
type Repository interface {
	Create(ctx context.Context, app *Application) error
	Update(ctx context.Context, app *Application) error
	GetByID(ctx context.Context, applicationID uuid.UUID) (*Application, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Application, error)
	HasPending(ctx context.Context, targetID uuid.UUID, kind Kind) (bool, error)
	// ListPendingBefore returns PENDING applications created before cutoff,
	// oldest first, for the expiry sweep.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Application, error)
}
