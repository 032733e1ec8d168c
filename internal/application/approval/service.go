package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	auditapp "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/application/chainsync"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/application"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/lineage"
)

// Service implements the two-phase submit/review workflow for irreversible
// operations: freeze, cancel, split, and merge.
type Service struct {
	applications application.Repository
	instruments  instrument.Repository
	lineages     lineage.Repository
	machine      *instrument.Machine
	sync         *chainsync.Service
	tx           chainsync.TxRunner
	auth         actor.Authorizer
	auditor      *auditapp.Service
	logger       zerolog.Logger
}

// NewService creates an approval workflow service.
func NewService(
	applications application.Repository,
	instruments instrument.Repository,
	lineages lineage.Repository,
	machine *instrument.Machine,
	sync *chainsync.Service,
	tx chainsync.TxRunner,
	auth actor.Authorizer,
	auditor *auditapp.Service,
	logger zerolog.Logger,
) *Service {
	return &Service{
		applications: applications,
		instruments:  instruments,
		lineages:     lineages,
		machine:      machine,
		sync:         sync,
		tx:           tx,
		auth:         auth,
		auditor:      auditor,
		logger:       logger.With().Str("service", "approval").Logger(),
	}
}

// SplitPayload is the application payload for a split request.
type SplitPayload struct {
	Scheme instrument.SplitScheme `json:"scheme"`
}

// MergePayload is the application payload for a merge request.
type MergePayload struct {
	MergeType instrument.MergeType `json:"mergeType"`
}

// SubmitParams describes a new application.
type SubmitParams struct {
	Kind      application.Kind
	TargetIDs []uuid.UUID
	Reason    string
	Payload   json.RawMessage
}

// Submit validates eligibility and creates a PENDING application. The
// at-most-one-pending-per-target rule is enforced by the database's partial
// unique index, so a concurrent duplicate surfaces as Conflict rather than
// slipping through a check-then-act window. Freeze and cancel targets get a
// pending-review marker that blocks other mutations without changing the
// externally visible status.
func (s *Service) Submit(ctx context.Context, a actor.Actor, params SubmitParams) (*application.Application, error) {
	targets, err := s.validateSubmit(ctx, a, params)
	if err != nil {
		return nil, err
	}

	app := &application.Application{
		ApplicationID: uuid.New(),
		Kind:          params.Kind,
		TargetIDs:     params.TargetIDs,
		ApplicantID:   a.ID,
		ReviewStatus:  application.ReviewPending,
		Reason:        params.Reason,
		Payload:       params.Payload,
		CreatedAt:     time.Now().UTC(),
	}

	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		if err := s.applications.Create(txCtx, app); err != nil {
			return err
		}
		if params.Kind == application.KindFreeze || params.Kind == application.KindCancel {
			marker := string(params.Kind)
			for _, t := range targets {
				t.PendingReview = &marker
				if err := s.instruments.Update(txCtx, t); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeApplication,
		EntityID:   app.ApplicationID.String(),
		Action:     audit.ActionSubmit,
		Actor:      a.String(),
		NewValues:  app,
		Reason:     params.Reason,
	})
	s.logger.Info().
		Str("applicationId", app.ApplicationID.String()).
		Str("kind", string(app.Kind)).
		Int("targets", len(app.TargetIDs)).
		Msg("application submitted")
	return app, nil
}

func (s *Service) validateSubmit(ctx context.Context, a actor.Actor, params SubmitParams) ([]*instrument.Instrument, error) {
	switch params.Kind {
	case application.KindFreeze, application.KindCancel, application.KindSplit:
		if len(params.TargetIDs) != 1 {
			return nil, fmt.Errorf("%w: %s takes exactly one target", instrument.ErrValidation, params.Kind)
		}
	case application.KindMerge:
		if len(params.TargetIDs) < 2 {
			return nil, fmt.Errorf("%w: merge requires at least two targets", instrument.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown application kind %q", instrument.ErrValidation, params.Kind)
	}

	targets, err := s.instruments.GetBatch(ctx, params.TargetIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) != len(params.TargetIDs) {
		return nil, fmt.Errorf("%w: one or more targets missing", instrument.ErrNotFound)
	}
	for _, t := range targets {
		if !s.auth.Authorize(a, actor.OpSubmitApplication, t) {
			return nil, actor.ErrForbidden
		}
		if err := s.eligible(t, params.Kind); err != nil {
			return nil, err
		}
		// Fast-path duplicate check; the partial unique index closes the
		// remaining race at Create time.
		pending, err := s.applications.HasPending(ctx, t.InstrumentID, params.Kind)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, fmt.Errorf("%w: instrument %s already has a pending %s application",
				instrument.ErrConflict, t.InstrumentID, params.Kind)
		}
	}

	// Reject malformed payloads before any mutation.
	switch params.Kind {
	case application.KindSplit:
		var p SplitPayload
		if err := json.Unmarshal(params.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: bad split payload: %v", instrument.ErrValidation, err)
		}
		if _, err := instrument.ComputeSplit(targets[0], p.Scheme); err != nil {
			return nil, err
		}
	case application.KindMerge:
		var p MergePayload
		if err := json.Unmarshal(params.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: bad merge payload: %v", instrument.ErrValidation, err)
		}
		if _, err := instrument.ComputeMerge(targets, p.MergeType); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

// eligible checks that the target's current status admits the requested
// operation; chain anchoring is required where the downstream transition
// requires it.
func (s *Service) eligible(t *instrument.Instrument, kind application.Kind) error {
	if t.PendingReview != nil {
		return fmt.Errorf("%w: instrument %s already has a pending %s application",
			instrument.ErrConflict, t.InstrumentID, *t.PendingReview)
	}
	ev, err := eventFor(kind)
	if err != nil {
		return err
	}
	if _, err := s.machine.Validate(t, ev); err != nil {
		return err
	}
	return nil
}

func eventFor(kind application.Kind) (instrument.Event, error) {
	switch kind {
	case application.KindFreeze:
		return instrument.EventFreeze, nil
	case application.KindCancel:
		return instrument.EventCancel, nil
	case application.KindSplit:
		return instrument.EventSplit, nil
	case application.KindMerge:
		return instrument.EventMerge, nil
	}
	return "", fmt.Errorf("%w: unknown application kind %q", instrument.ErrValidation, kind)
}

// ReviewParams describes a review decision.
type ReviewParams struct {
	ApplicationID uuid.UUID
	Decision      application.Decision
	Note          string
}

// ReviewResult is the outcome of a review.
type ReviewResult struct {
	Application *application.Application `json:"application"`
	Instruments []*instrument.Instrument `json:"instruments,omitempty"`
	Created     []*instrument.Instrument `json:"created,omitempty"`
	TxHash      string                   `json:"txHash,omitempty"`
}

// Review settles a PENDING application. Approval runs the operation's effect,
// the application update, and the audit record in one unit of work; a failed
// effect marks the application REJECTED with the failure reason and leaves
// every instrument untouched. Rejection restores the pending-review markers.
func (s *Service) Review(ctx context.Context, a actor.Actor, params ReviewParams) (*ReviewResult, error) {
	if !s.auth.Authorize(a, actor.OpReviewApplication, nil) {
		return nil, actor.ErrForbidden
	}
	app, err := s.applications.GetByID(ctx, params.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.ReviewStatus != application.ReviewPending {
		return nil, fmt.Errorf("%w: application already %s", instrument.ErrConflict, app.ReviewStatus)
	}

	switch params.Decision {
	case application.DecisionReject:
		return s.reject(ctx, a, app, params.Note, "")
	case application.DecisionApprove:
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", instrument.ErrValidation, params.Decision)
	}

	result, err := s.approve(ctx, a, app, params.Note)
	if err == nil {
		return result, nil
	}
	// Effect failures turn into a rejection with the reason; infrastructure
	// errors (including gateway failures after commit) propagate as-is.
	if errors.Is(err, instrument.ErrValidation) ||
		errors.Is(err, instrument.ErrPreconditionFailed) ||
		errors.Is(err, instrument.ErrInvalidTransition) {
		s.logger.Warn().Err(err).
			Str("applicationId", app.ApplicationID.String()).
			Msg("approval effect rejected; application marked REJECTED")
		return s.reject(ctx, a, app, params.Note, err.Error())
	}
	return nil, err
}

func (s *Service) reject(ctx context.Context, a actor.Actor, app *application.Application, note, failure string) (*ReviewResult, error) {
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		now := time.Now().UTC()
		app.ReviewStatus = application.ReviewRejected
		app.ReviewerID = &a.ID
		app.ReviewedAt = &now
		if note != "" {
			app.ReviewNote = &note
		}
		if failure != "" {
			app.FailureReason = &failure
		}
		if err := s.applications.Update(txCtx, app); err != nil {
			return err
		}
		if err := s.clearMarkers(txCtx, app); err != nil {
			return err
		}
		return s.auditor.LogSync(txCtx, &audit.AuditEntry{
			EntityType: audit.EntityTypeApplication,
			EntityID:   app.ApplicationID.String(),
			Action:     audit.ActionReject,
			Actor:      a.String(),
			NewValues:  app,
			Reason:     note,
		})
	})
	if err != nil {
		return nil, err
	}
	return &ReviewResult{Application: app}, nil
}

// clearMarkers restores the pending-review markers set at submission.
func (s *Service) clearMarkers(ctx context.Context, app *application.Application) error {
	if app.Kind != application.KindFreeze && app.Kind != application.KindCancel {
		return nil
	}
	for _, id := range app.TargetIDs {
		t, err := s.instruments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if t.PendingReview == nil {
			continue
		}
		t.PendingReview = nil
		if err := s.instruments.Update(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) approve(ctx context.Context, a actor.Actor, app *application.Application, note string) (*ReviewResult, error) {
	targets, err := s.instruments.GetBatch(ctx, app.TargetIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) != len(app.TargetIDs) {
		return nil, fmt.Errorf("%w: one or more targets missing", instrument.ErrNotFound)
	}

	var result *ReviewResult
	switch app.Kind {
	case application.KindFreeze, application.KindCancel:
		result, err = s.approveStatusChange(ctx, a, app, targets, note)
	case application.KindSplit:
		result, err = s.approveSplit(ctx, a, app, targets[0], note)
	case application.KindMerge:
		result, err = s.approveMerge(ctx, a, app, targets, note)
	default:
		return nil, fmt.Errorf("%w: unknown application kind %q", instrument.ErrValidation, app.Kind)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("applicationId", app.ApplicationID.String()).
		Str("kind", string(app.Kind)).
		Str("reviewer", a.String()).
		Msg("application approved")
	return result, nil
}

// markApproved mutates the application inside the caller's transaction.
func (s *Service) markApproved(ctx context.Context, a actor.Actor, app *application.Application, note string) error {
	now := time.Now().UTC()
	app.ReviewStatus = application.ReviewApproved
	app.ReviewerID = &a.ID
	app.ReviewedAt = &now
	if note != "" {
		app.ReviewNote = &note
	}
	if err := s.applications.Update(ctx, app); err != nil {
		return err
	}
	return s.auditor.LogSync(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeApplication,
		EntityID:   app.ApplicationID.String(),
		Action:     audit.ActionApprove,
		Actor:      a.String(),
		NewValues:  app,
		Reason:     note,
	})
}

// approveStatusChange applies freeze or cancel: a pure state machine
// transition with no chain write.
func (s *Service) approveStatusChange(ctx context.Context, a actor.Actor, app *application.Application, targets []*instrument.Instrument, note string) (*ReviewResult, error) {
	ev, err := eventFor(app.Kind)
	if err != nil {
		return nil, err
	}
	action := audit.ActionFreeze
	if app.Kind == application.KindCancel {
		action = audit.ActionCancel
	}

	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		for _, t := range targets {
			before := t.Snapshot()
			t.PendingReview = nil
			if err := s.machine.Apply(t, ev); err != nil {
				return err
			}
			if err := s.instruments.Update(txCtx, t); err != nil {
				return err
			}
			if err := s.auditor.LogSync(txCtx, &audit.AuditEntry{
				EntityType: audit.EntityTypeInstrument,
				EntityID:   t.InstrumentID.String(),
				Action:     action,
				Actor:      a.String(),
				OldValues:  before,
				NewValues:  t.Snapshot(),
				Reason:     app.Reason,
			}); err != nil {
				return err
			}
		}
		return s.markApproved(txCtx, a, app, note)
	})
	if err != nil {
		return nil, err
	}
	return &ReviewResult{Application: app, Instruments: targets}, nil
}

// approveSplit partitions the parent into children, records lineage, and
// anchors the whole partition on chain under one transaction hash.
func (s *Service) approveSplit(ctx context.Context, a actor.Actor, app *application.Application, parent *instrument.Instrument, note string) (*ReviewResult, error) {
	var p SplitPayload
	if err := json.Unmarshal(app.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: bad split payload: %v", instrument.ErrValidation, err)
	}
	parts, err := instrument.ComputeSplit(parent, p.Scheme)
	if err != nil {
		return nil, err
	}

	before := parent.Snapshot()
	now := time.Now().UTC()
	children := make([]*instrument.Instrument, len(parts))
	edges := make([]*lineage.Edge, len(parts))
	childIDs := make([]uuid.UUID, len(parts))
	for i, part := range parts {
		child := &instrument.Instrument{
			InstrumentID: uuid.New(),
			Kind:         parent.Kind,
			Status:       instrument.StatusNormal,
			ChainStatus:  instrument.ChainPending,
			Value:        part.Value,
			Quantity:     part.Quantity,
			GoodsType:    parent.GoodsType,
			BillType:     parent.BillType,
			HolderID:     parent.HolderID,
			EnterpriseID: parent.EnterpriseID,
			Version:      1,
			ParentID:     &parent.InstrumentID,
			DueDate:      parent.DueDate,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		children[i] = child
		childIDs[i] = child.InstrumentID
		edges[i] = &lineage.Edge{
			ParentID:  parent.InstrumentID,
			ChildID:   child.InstrumentID,
			Operation: lineage.OpSplit,
			CreatedAt: now,
		}
	}

	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		if err := s.machine.Apply(parent, instrument.EventSplit); err != nil {
			return err
		}
		if err := s.instruments.Update(txCtx, parent); err != nil {
			return err
		}
		if err := s.instruments.CreateBatch(txCtx, children); err != nil {
			return err
		}
		if err := s.lineages.CreateBatch(txCtx, edges); err != nil {
			return err
		}
		if err := s.auditor.LogSync(txCtx, &audit.AuditEntry{
			EntityType: audit.EntityTypeInstrument,
			EntityID:   parent.InstrumentID.String(),
			Action:     audit.ActionSplit,
			Actor:      a.String(),
			OldValues:  before,
			NewValues:  parent.Snapshot(),
			Reason:     app.Reason,
		}); err != nil {
			return err
		}
		return s.markApproved(txCtx, a, app, note)
	})
	if err != nil {
		return nil, err
	}

	syncRes, err := s.sync.SyncToChain(ctx, chainsync.Request{
		Instrument:   parent,
		Operation:    string(instrument.EventSplit),
		TargetStatus: instrument.StatusSplit,
		RelatedIDs:   childIDs,
		Actor:        a.String(),
		Detail:       map[string]any{"childIds": uuidStrings(childIDs)},
	})
	if err != nil {
		// The split is committed; the chain anchor is parked and retryable.
		s.logger.Error().Err(err).
			Str("instrumentId", parent.InstrumentID.String()).
			Msg("split committed but chain anchoring failed")
		return &ReviewResult{Application: app, Instruments: []*instrument.Instrument{parent}, Created: children}, nil
	}
	return &ReviewResult{
		Application: app,
		Instruments: []*instrument.Instrument{parent},
		Created:     children,
		TxHash:      syncRes.TxHash,
	}, nil
}

// approveMerge consumes the sources into one new instrument with lineage
// edges from every source, then anchors the product on chain.
func (s *Service) approveMerge(ctx context.Context, a actor.Actor, app *application.Application, sources []*instrument.Instrument, note string) (*ReviewResult, error) {
	var p MergePayload
	if err := json.Unmarshal(app.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: bad merge payload: %v", instrument.ErrValidation, err)
	}
	merged, err := instrument.ComputeMerge(sources, p.MergeType)
	if err != nil {
		return nil, err
	}

	first := sources[0]
	now := time.Now().UTC()
	product := &instrument.Instrument{
		InstrumentID: uuid.New(),
		Kind:         first.Kind,
		Status:       instrument.StatusNormal,
		ChainStatus:  instrument.ChainNotOnchain,
		Value:        merged.Value,
		Quantity:     merged.Quantity,
		GoodsType:    first.GoodsType,
		BillType:     first.BillType,
		HolderID:     first.HolderID,
		EnterpriseID: first.EnterpriseID,
		Version:      1,
		DueDate:      merged.DueDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	edges := make([]*lineage.Edge, len(sources))
	sourceIDs := make([]uuid.UUID, len(sources))
	for i, src := range sources {
		sourceIDs[i] = src.InstrumentID
		edges[i] = &lineage.Edge{
			ParentID:  src.InstrumentID,
			ChildID:   product.InstrumentID,
			Operation: lineage.OpMerge,
			CreatedAt: now,
		}
	}

	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		for _, src := range sources {
			before := src.Snapshot()
			if err := s.machine.Apply(src, instrument.EventMerge); err != nil {
				return err
			}
			if err := s.instruments.Update(txCtx, src); err != nil {
				return err
			}
			if err := s.auditor.LogSync(txCtx, &audit.AuditEntry{
				EntityType: audit.EntityTypeInstrument,
				EntityID:   src.InstrumentID.String(),
				Action:     audit.ActionMerge,
				Actor:      a.String(),
				OldValues:  before,
				NewValues:  src.Snapshot(),
				Reason:     app.Reason,
			}); err != nil {
				return err
			}
		}
		if err := s.instruments.Create(txCtx, product); err != nil {
			return err
		}
		if err := s.lineages.CreateBatch(txCtx, edges); err != nil {
			return err
		}
		return s.markApproved(txCtx, a, app, note)
	})
	if err != nil {
		return nil, err
	}

	syncRes, err := s.sync.SyncToChain(ctx, chainsync.Request{
		Instrument:   product,
		Operation:    string(instrument.EventMerge),
		TargetStatus: instrument.StatusNormal,
		Actor:        a.String(),
		Detail:       map[string]any{"sourceIds": uuidStrings(sourceIDs), "mergeType": string(p.MergeType)},
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("instrumentId", product.InstrumentID.String()).
			Msg("merge committed but chain anchoring failed")
		return &ReviewResult{Application: app, Instruments: sources, Created: []*instrument.Instrument{product}}, nil
	}
	return &ReviewResult{
		Application: app,
		Instruments: sources,
		Created:     []*instrument.Instrument{product},
		TxHash:      syncRes.TxHash,
	}, nil
}

// ExpirePending rejects PENDING applications older than ttl, restoring their
// pending-review markers. Applications are never left in limbo: an applicant
// whose request went unreviewed resubmits rather than holding the target's
// pending slot forever.
func (s *Service) ExpirePending(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	apps, err := s.applications.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, app := range apps {
		if err := s.expireOne(ctx, app); err != nil {
			s.logger.Error().Err(err).
				Str("applicationId", app.ApplicationID.String()).
				Msg("failed to expire application")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, app *application.Application) error {
	return s.tx.InTx(ctx, func(txCtx context.Context) error {
		now := time.Now().UTC()
		reason := "application expired without review"
		app.ReviewStatus = application.ReviewRejected
		app.FailureReason = &reason
		app.ReviewedAt = &now
		if err := s.applications.Update(txCtx, app); err != nil {
			return err
		}
		if err := s.clearMarkers(txCtx, app); err != nil {
			return err
		}
		return s.auditor.LogSync(txCtx, &audit.AuditEntry{
			EntityType: audit.EntityTypeApplication,
			EntityID:   app.ApplicationID.String(),
			Action:     audit.ActionReject,
			Actor:      "system:expiry",
			NewValues:  app,
			Reason:     reason,
		})
	})
}

// RunExpiryLoop sweeps stale applications until the context is done.
func (s *Service) RunExpiryLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpirePending(ctx, ttl, 100)
			if err != nil {
				s.logger.Error().Err(err).Msg("application expiry sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("expired", n).Msg("stale applications expired")
			}
		}
	}
}

// Get returns an application by id.
func (s *Service) Get(ctx context.Context, a actor.Actor, applicationID uuid.UUID) (*application.Application, error) {
	if !s.auth.Authorize(a, actor.OpRead, nil) {
		return nil, actor.ErrForbidden
	}
	return s.applications.GetByID(ctx, applicationID)
}

// List returns applications matching the filter.
func (s *Service) List(ctx context.Context, a actor.Actor, filter application.Filter, limit, offset int) ([]*application.Application, error) {
	if !s.auth.Authorize(a, actor.OpRead, nil) {
		return nil, actor.ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.applications.List(ctx, filter, limit, offset)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
