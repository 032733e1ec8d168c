package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	auditapp "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/application/chainsync"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/lineage"
)

// events whose effect must go through the approval workflow instead of a
// direct transition.
var reviewOnlyEvents = map[instrument.Event]bool{
	instrument.EventFreeze: true,
	instrument.EventCancel: true,
	instrument.EventSplit:  true,
	instrument.EventMerge:  true,
}

// events the chain anchoring flow drives internally. Accepting them here
// would let a caller confirm or fail a pending write without any gateway
// outcome, or bypass the retry/rollback guards.
var chainFlowEvents = map[instrument.Event]bool{
	instrument.EventChainConfirmed:  true,
	instrument.EventChainFailed:     true,
	instrument.EventRetryOnchain:    true,
	instrument.EventRollbackToDraft: true,
}

// Service handles instrument issuance, direct lifecycle transitions, and
// transfers of holdership.
type Service struct {
	instruments instrument.Repository
	transfers   instrument.TransferRepository
	transitions instrument.TransitionLog
	lineages    lineage.Repository
	machine     *instrument.Machine
	sync        *chainsync.Service
	tx          chainsync.TxRunner
	auth        actor.Authorizer
	auditor     *auditapp.Service
	logger      zerolog.Logger
}

// NewService creates an instrument service.
func NewService(
	instruments instrument.Repository,
	transfers instrument.TransferRepository,
	transitions instrument.TransitionLog,
	lineages lineage.Repository,
	machine *instrument.Machine,
	sync *chainsync.Service,
	tx chainsync.TxRunner,
	auth actor.Authorizer,
	auditor *auditapp.Service,
	logger zerolog.Logger,
) *Service {
	return &Service{
		instruments: instruments,
		transfers:   transfers,
		transitions: transitions,
		lineages:    lineages,
		machine:     machine,
		sync:        sync,
		tx:          tx,
		auth:        auth,
		auditor:     auditor,
		logger:      logger.With().Str("service", "instrument").Logger(),
	}
}

// IssueParams describes a new instrument.
type IssueParams struct {
	Kind      instrument.Kind
	Value     decimal.Decimal
	Quantity  *int64
	GoodsType *string
	BillType  *string
	HolderID  uuid.UUID
	DueDate   *time.Time
}

func (p IssueParams) validate() error {
	switch p.Kind {
	case instrument.KindBill, instrument.KindWarehouseReceipt:
	default:
		return fmt.Errorf("%w: unknown instrument kind %q", instrument.ErrValidation, p.Kind)
	}
	if !p.Value.IsPositive() {
		return fmt.Errorf("%w: value must be positive", instrument.ErrValidation)
	}
	if p.Kind == instrument.KindWarehouseReceipt {
		if p.Quantity == nil || *p.Quantity <= 0 {
			return fmt.Errorf("%w: warehouse receipt requires a positive quantity", instrument.ErrValidation)
		}
	}
	if p.HolderID == uuid.Nil {
		return fmt.Errorf("%w: holder is required", instrument.ErrValidation)
	}
	return nil
}

// Issue creates a new instrument and anchors it on chain. The row is created
// DRAFT, moved to PENDING_ONCHAIN, and reaches NORMAL only after chain
// confirmation; a gateway failure parks it in ONCHAIN_FAILED.
func (s *Service) Issue(ctx context.Context, a actor.Actor, params IssueParams) (*chainsync.Result, error) {
	if !s.auth.Authorize(a, actor.OpIssue, nil) {
		return nil, actor.ErrForbidden
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &instrument.Instrument{
		InstrumentID: uuid.New(),
		Kind:         params.Kind,
		Status:       instrument.StatusDraft,
		ChainStatus:  instrument.ChainNotOnchain,
		Value:        params.Value,
		Quantity:     params.Quantity,
		GoodsType:    params.GoodsType,
		BillType:     params.BillType,
		HolderID:     params.HolderID,
		EnterpriseID: a.EnterpriseID,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.machine.Apply(inst, instrument.EventIssue); err != nil {
		return nil, err
	}
	if err := s.instruments.Create(ctx, inst); err != nil {
		return nil, err
	}

	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeInstrument,
		EntityID:   inst.InstrumentID.String(),
		Action:     audit.ActionIssue,
		Actor:      a.String(),
		ActorRoles: roleNames(a),
		NewValues:  inst.Snapshot(),
	})
	s.logger.Info().
		Str("instrumentId", inst.InstrumentID.String()).
		Str("kind", string(inst.Kind)).
		Str("value", inst.Value.String()).
		Msg("instrument issued")

	return s.sync.SyncToChain(ctx, chainsync.Request{
		Instrument:   inst,
		Operation:    string(instrument.EventIssue),
		TargetStatus: instrument.StatusNormal,
		Actor:        a.String(),
	})
}

// Get returns the instrument with its lineage children populated.
func (s *Service) Get(ctx context.Context, a actor.Actor, instrumentID uuid.UUID) (*instrument.Instrument, error) {
	if !s.auth.Authorize(a, actor.OpRead, nil) {
		return nil, actor.ErrForbidden
	}
	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	edges, err := s.lineages.Children(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		inst.ChildIDs = append(inst.ChildIDs, e.ChildID)
	}
	return inst, nil
}

// List returns instruments matching the filter.
func (s *Service) List(ctx context.Context, a actor.Actor, filter instrument.Filter, limit, offset int) ([]*instrument.Instrument, error) {
	if !s.auth.Authorize(a, actor.OpRead, nil) {
		return nil, actor.ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.instruments.List(ctx, filter, limit, offset)
}

// Lineage returns the full derivation graph around an instrument.
func (s *Service) Lineage(ctx context.Context, a actor.Actor, instrumentID uuid.UUID) (*lineage.Graph, error) {
	if !s.auth.Authorize(a, actor.OpRead, nil) {
		return nil, actor.ErrForbidden
	}
	if _, err := s.instruments.GetByID(ctx, instrumentID); err != nil {
		return nil, err
	}
	return s.lineages.Graph(ctx, instrumentID)
}

// TransitionResult is the outcome of a lifecycle transition.
type TransitionResult struct {
	Instrument *instrument.Instrument `json:"instrument"`
	TxHash     *string                `json:"txHash,omitempty"`
	Replayed   bool                   `json:"replayed"`
}

// Transition applies a lifecycle event directly. Freeze, cancel, split, and
// merge are rejected here; they require the approval workflow. The chain
// lifecycle events are rejected too: retry and rollback have dedicated
// operations, and confirmation only ever comes from the gateway. Retries with
// the same request id against the same instrument version replay the recorded
// result instead of re-executing.
func (s *Service) Transition(ctx context.Context, a actor.Actor, instrumentID uuid.UUID, ev instrument.Event, requestID string) (*TransitionResult, error) {
	if reviewOnlyEvents[ev] {
		return nil, fmt.Errorf("%w: %s requires an approval application", instrument.ErrValidation, ev)
	}
	if chainFlowEvents[ev] {
		return nil, fmt.Errorf("%w: %s is driven by chain anchoring, not a direct transition", instrument.ErrValidation, ev)
	}

	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if !s.auth.Authorize(a, actor.OpTransition, inst) {
		return nil, actor.ErrForbidden
	}

	// A duplicate in flight against the same version, or a retry carrying the
	// original request id after the version advanced, replays the recorded
	// result instead of re-executing.
	if rec, err := s.transitions.Get(ctx, instrumentID, inst.Version, ev); err != nil {
		return nil, err
	} else if rec != nil {
		return s.replay(ctx, instrumentID, rec)
	}
	if requestID != "" {
		if rec, err := s.transitions.GetByRequest(ctx, instrumentID, ev, requestID); err != nil {
			return nil, err
		} else if rec != nil {
			return s.replay(ctx, instrumentID, rec)
		}
	}

	if inst.PendingReview != nil {
		return nil, fmt.Errorf("%w: instrument has a pending %s application",
			instrument.ErrPreconditionFailed, *inst.PendingReview)
	}

	rule, err := s.machine.Validate(inst, ev)
	if err != nil {
		return nil, err
	}
	before := inst.Snapshot()
	baseVersion := inst.Version

	// Chain-anchored events hand the target status to the sync engine; the
	// status advances only when the chain confirms.
	if rule.RequireOnchain {
		res, err := s.sync.SyncToChain(ctx, chainsync.Request{
			Instrument:   inst,
			Operation:    string(ev),
			TargetStatus: rule.Target,
			Actor:        a.String(),
		})
		if err != nil {
			return nil, err
		}
		s.recordTransition(ctx, inst, baseVersion, ev, requestID)
		s.logTransition(ctx, a, ev, before, inst)
		return &TransitionResult{Instrument: res.Instrument, TxHash: inst.TxHash}, nil
	}

	if err := s.machine.Apply(inst, ev); err != nil {
		return nil, err
	}
	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		if err := s.instruments.Update(txCtx, inst); err != nil {
			return err
		}
		return s.transitions.Record(txCtx, &instrument.TransitionRecord{
			InstrumentID: instrumentID,
			Version:      baseVersion,
			Event:        ev,
			RequestID:    requestID,
			Status:       inst.Status,
			ChainStatus:  inst.ChainStatus,
			TxHash:       inst.TxHash,
			AppliedAt:    time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, a, ev, before, inst)
	return &TransitionResult{Instrument: inst, TxHash: inst.TxHash}, nil
}

// replay returns the result a previous invocation already computed for the
// same (instrument, version, event) key.
func (s *Service) replay(ctx context.Context, instrumentID uuid.UUID, rec *instrument.TransitionRecord) (*TransitionResult, error) {
	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("instrumentId", instrumentID.String()).
		Str("event", string(rec.Event)).
		Int64("version", rec.Version).
		Msg("transition replayed from dedup log")
	return &TransitionResult{Instrument: inst, TxHash: rec.TxHash, Replayed: true}, nil
}

// recordTransition writes the dedup record after a chain-anchored transition.
// A concurrent duplicate is harmless: the winner's record serves both.
func (s *Service) recordTransition(ctx context.Context, inst *instrument.Instrument, baseVersion int64, ev instrument.Event, requestID string) {
	err := s.transitions.Record(ctx, &instrument.TransitionRecord{
		InstrumentID: inst.InstrumentID,
		Version:      baseVersion,
		Event:        ev,
		RequestID:    requestID,
		Status:       inst.Status,
		ChainStatus:  inst.ChainStatus,
		TxHash:       inst.TxHash,
		AppliedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("instrumentId", inst.InstrumentID.String()).
			Str("event", string(ev)).
			Msg("failed to write transition dedup record")
	}
}

func (s *Service) logTransition(ctx context.Context, a actor.Actor, ev instrument.Event, before instrument.Instrument, inst *instrument.Instrument) {
	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeInstrument,
		EntityID:   inst.InstrumentID.String(),
		Action:     audit.ActionTransition,
		Actor:      a.String(),
		ActorRoles: roleNames(a),
		OldValues:  before,
		NewValues:  inst.Snapshot(),
		Reason:     string(ev),
		TxHash:     inst.TxHash,
	})
}

// TransferParams describes one endorsement/transfer of holdership.
type TransferParams struct {
	InstrumentID uuid.UUID
	ToHolderID   uuid.UUID
	RequestID    string
}

// TransferResult bundles the transfer row and the sync outcome.
type TransferResult struct {
	Instrument *instrument.Instrument `json:"instrument"`
	Transfer   *instrument.Transfer   `json:"transfer,omitempty"`
	TxHash     string                 `json:"txHash,omitempty"`
	Replayed   bool                   `json:"replayed"`
}

// Transfer endorses a bill or transfers a warehouse receipt to a new holder.
// The transfer row is durably recorded with its sequence number before the
// chain submission, so transfers of one instrument are totally ordered by seq
// regardless of chain confirmation order.
func (s *Service) Transfer(ctx context.Context, a actor.Actor, params TransferParams) (*TransferResult, error) {
	if params.ToHolderID == uuid.Nil {
		return nil, fmt.Errorf("%w: target holder is required", instrument.ErrValidation)
	}
	inst, err := s.instruments.GetByID(ctx, params.InstrumentID)
	if err != nil {
		return nil, err
	}
	if !s.auth.Authorize(a, actor.OpTransfer, inst) {
		return nil, actor.ErrForbidden
	}

	ev := instrument.EventTransfer
	if inst.Kind == instrument.KindBill {
		ev = instrument.EventEndorse
	}

	// Duplicate deliveries replay the recorded outcome instead of moving the
	// holder again, same as the transition path: a duplicate in flight matches
	// on the current version, a late redelivery matches on its request id.
	if rec, err := s.transitions.Get(ctx, inst.InstrumentID, inst.Version, ev); err != nil {
		return nil, err
	} else if rec != nil {
		return s.replayTransfer(ctx, inst.InstrumentID, rec)
	}
	if params.RequestID != "" {
		if rec, err := s.transitions.GetByRequest(ctx, inst.InstrumentID, ev, params.RequestID); err != nil {
			return nil, err
		} else if rec != nil {
			return s.replayTransfer(ctx, inst.InstrumentID, rec)
		}
	}

	if params.ToHolderID == inst.HolderID {
		return nil, fmt.Errorf("%w: instrument already held by target holder", instrument.ErrValidation)
	}
	if inst.PendingReview != nil {
		return nil, fmt.Errorf("%w: instrument has a pending %s application",
			instrument.ErrPreconditionFailed, *inst.PendingReview)
	}

	rule, err := s.machine.Validate(inst, ev)
	if err != nil {
		return nil, err
	}

	t := &instrument.Transfer{
		TransferID:   uuid.New(),
		InstrumentID: inst.InstrumentID,
		FromHolderID: inst.HolderID,
		ToHolderID:   params.ToHolderID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.transfers.Create(ctx, t); err != nil {
		return nil, err
	}

	before := inst.Snapshot()
	baseVersion := inst.Version
	inst.HolderID = params.ToHolderID
	res, err := s.sync.SyncToChain(ctx, chainsync.Request{
		Instrument:   inst,
		Operation:    string(ev),
		TargetStatus: rule.Target,
		TransferID:   &t.TransferID,
		Actor:        a.String(),
		Detail: map[string]any{
			"fromHolderId": t.FromHolderID.String(),
			"toHolderId":   t.ToHolderID.String(),
			"seq":          t.Seq,
		},
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, inst, baseVersion, ev, params.RequestID)

	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeTransfer,
		EntityID:   t.TransferID.String(),
		Action:     audit.ActionTransfer,
		Actor:      a.String(),
		ActorRoles: roleNames(a),
		OldValues:  before,
		NewValues:  inst.Snapshot(),
		TxHash:     inst.TxHash,
	})
	s.logger.Info().
		Str("instrumentId", inst.InstrumentID.String()).
		Str("transferId", t.TransferID.String()).
		Int64("seq", t.Seq).
		Msg("holdership transferred")

	result := &TransferResult{Instrument: res.Instrument, Transfer: t}
	if inst.TxHash != nil {
		result.TxHash = *inst.TxHash
	}
	return result, nil
}

// replayTransfer returns the outcome a previous invocation already recorded
// for the same transfer, without touching the holder again.
func (s *Service) replayTransfer(ctx context.Context, instrumentID uuid.UUID, rec *instrument.TransitionRecord) (*TransferResult, error) {
	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	result := &TransferResult{Instrument: inst, Replayed: true}
	if rec.TxHash == nil {
		return result, nil
	}
	result.TxHash = *rec.TxHash
	transfers, err := s.transfers.ListByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if t.TxHash != nil && *t.TxHash == *rec.TxHash {
			result.Transfer = t
			break
		}
	}
	s.logger.Debug().
		Str("instrumentId", instrumentID.String()).
		Str("requestId", rec.RequestID).
		Msg("transfer replayed from dedup log")
	return result, nil
}

// Transfers returns the ordered transfer history of an instrument.
func (s *Service) Transfers(ctx context.Context, a actor.Actor, instrumentID uuid.UUID) ([]*instrument.Transfer, error) {
	if !s.auth.Authorize(a, actor.OpRead, nil) {
		return nil, actor.ErrForbidden
	}
	return s.transfers.ListByInstrument(ctx, instrumentID)
}

func roleNames(a actor.Actor) []string {
	out := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		out[i] = string(r)
	}
	return out
}
