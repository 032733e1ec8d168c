package chainsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	auditapp "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// TxRunner runs a function inside one database transaction carried on the
// context.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service orchestrates the write-DB-then-submit-chain saga. The database
// commit of the intent row is the durable record of what should happen; the
// gateway call happens outside any transaction and its outcome is folded back
// into instrument state afterward.
type Service struct {
	instruments instrument.Repository
	transfers   instrument.TransferRepository
	intents     chain.IntentRepository
	gateway     chain.Gateway
	tx          TxRunner
	auth        actor.Authorizer
	auditor     *auditapp.Service
	logger      zerolog.Logger
}

// NewService creates a chain sync service.
func NewService(
	instruments instrument.Repository,
	transfers instrument.TransferRepository,
	intents chain.IntentRepository,
	gateway chain.Gateway,
	tx TxRunner,
	auth actor.Authorizer,
	auditor *auditapp.Service,
	logger zerolog.Logger,
) *Service {
	return &Service{
		instruments: instruments,
		transfers:   transfers,
		intents:     intents,
		gateway:     gateway,
		tx:          tx,
		auth:        auth,
		auditor:     auditor,
		logger:      logger.With().Str("service", "chainsync").Logger(),
	}
}

// Request describes one chain anchoring for an instrument that has already
// passed its state machine validation.
type Request struct {
	Instrument   *instrument.Instrument
	Operation    string
	TargetStatus instrument.Status
	RelatedIDs   []uuid.UUID
	TransferID   *uuid.UUID
	Actor        string
	Detail       map[string]any
}

// Result is the outcome of a completed (or parked) sync.
type Result struct {
	Instrument *instrument.Instrument `json:"instrument"`
	TxHash     string                 `json:"txHash,omitempty"`
	Parked     bool                   `json:"parked"`
}

// SyncToChain records the intent and the PENDING chain status in one
// transaction, submits to the gateway outside it, and finalizes. A gateway
// failure parks the instrument with ChainStatus FAILED; the caller sees a
// GatewayError but the instrument row already reflects the failure.
func (s *Service) SyncToChain(ctx context.Context, req Request) (*Result, error) {
	inst := req.Instrument
	intent := &chain.Intent{
		InstrumentID:   inst.InstrumentID,
		IdempotencyKey: idempotencyKey(req.Operation, inst.InstrumentID, inst.Version),
		Operation:      req.Operation,
		TargetStatus:   string(req.TargetStatus),
		RelatedIDs:     req.RelatedIDs,
		TransferID:     req.TransferID,
	}
	payload, err := buildPayload(inst, req.Operation, req.Detail)
	if err != nil {
		return nil, fmt.Errorf("%w: encode chain payload: %v", instrument.ErrValidation, err)
	}
	intent.Payload = payload

	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		inst.ChainStatus = instrument.ChainPending
		if err := s.intents.Save(txCtx, intent); err != nil {
			return err
		}
		return s.instruments.Update(txCtx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("instrumentId", inst.InstrumentID.String()).
		Str("operation", req.Operation).
		Str("idempotencyKey", intent.IdempotencyKey).
		Msg("chain intent recorded")

	return s.submitAndFinalize(ctx, inst, intent, req.Actor)
}

// RetryOnchain resubmits a parked chain write. The persisted intent carries
// the original payload and idempotency key, so a gateway that deduplicates
// returns the original transaction hash instead of applying the effect twice.
func (s *Service) RetryOnchain(ctx context.Context, instrumentID uuid.UUID, a actor.Actor) (*Result, error) {
	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if !s.auth.Authorize(a, actor.OpRetryOnchain, inst) {
		return nil, actor.ErrForbidden
	}
	if inst.ChainStatus != instrument.ChainFailed {
		return nil, fmt.Errorf("%w: retry requires chain status FAILED, have %s",
			instrument.ErrInvalidTransition, inst.ChainStatus)
	}
	intent, err := s.intents.GetByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, fmt.Errorf("%w: no pending chain intent for %s",
			instrument.ErrPreconditionFailed, instrumentID)
	}

	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		if inst.Status == instrument.StatusOnchainFailed {
			inst.Status = instrument.StatusPendingOnchain
		}
		inst.ChainStatus = instrument.ChainPending
		inst.FailureReason = nil
		return s.instruments.Update(txCtx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeInstrument,
		EntityID:   inst.InstrumentID.String(),
		Action:     audit.ActionRetry,
		Actor:      a.String(),
		Reason:     "resubmitting " + intent.Operation,
	})
	return s.submitAndFinalize(ctx, inst, intent, a.String())
}

// RollbackToDraft abandons a parked chain write, compensating rather than
// cancelling: the gateway may still hold the submission, so the intent row is
// removed and the instrument returns to DRAFT. Rejected with Conflict when the
// version has advanced since the failure was recorded.
func (s *Service) RollbackToDraft(ctx context.Context, instrumentID uuid.UUID, a actor.Actor, reason string) (*instrument.Instrument, error) {
	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if !s.auth.Authorize(a, actor.OpRollbackToDraft, inst) {
		return nil, actor.ErrForbidden
	}
	if inst.Status != instrument.StatusOnchainFailed {
		return nil, fmt.Errorf("%w: rollback requires ONCHAIN_FAILED, have %s",
			instrument.ErrInvalidTransition, inst.Status)
	}
	if inst.FailedVersion == nil || inst.Version != *inst.FailedVersion {
		return nil, fmt.Errorf("%w: instrument advanced since failure was recorded",
			instrument.ErrConflict)
	}

	before := inst.Snapshot()
	err = s.tx.InTx(ctx, func(txCtx context.Context) error {
		inst.Status = instrument.StatusDraft
		inst.ChainStatus = instrument.ChainNotOnchain
		inst.TxHash = nil
		inst.FailedVersion = nil
		inst.FailureReason = nil
		if err := s.instruments.Update(txCtx, inst); err != nil {
			return err
		}
		return s.intents.Delete(txCtx, instrumentID)
	})
	if err != nil {
		return nil, err
	}

	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeInstrument,
		EntityID:   inst.InstrumentID.String(),
		Action:     audit.ActionRollback,
		Actor:      a.String(),
		ActorRoles: roleNames(a),
		OldValues:  before,
		NewValues:  inst.Snapshot(),
		Reason:     reason,
	})
	s.logger.Warn().
		Str("instrumentId", inst.InstrumentID.String()).
		Str("actor", a.String()).
		Msg("pending chain write rolled back to draft")
	return inst, nil
}

func roleNames(a actor.Actor) []string {
	out := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		out[i] = string(r)
	}
	return out
}

// submitAndFinalize performs the externally latent gateway call and folds its
// outcome back into the instrument row. No database transaction is held across
// the call.
func (s *Service) submitAndFinalize(ctx context.Context, inst *instrument.Instrument, intent *chain.Intent, actorName string) (*Result, error) {
	txHash, err := s.gateway.Submit(ctx, intent.IdempotencyKey, intent.Payload)
	if err != nil {
		if ferr := s.markFailed(ctx, inst, err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).
				Str("instrumentId", inst.InstrumentID.String()).
				Msg("failed to record chain failure")
		}
		s.auditor.Log(ctx, &audit.AuditEntry{
			EntityType: audit.EntityTypeInstrument,
			EntityID:   inst.InstrumentID.String(),
			Action:     audit.ActionChainFail,
			Actor:      actorName,
			Reason:     err.Error(),
		})
		return &Result{Instrument: inst, Parked: true},
			fmt.Errorf("%w: %v", chain.ErrGateway, err)
	}

	if err := s.confirm(ctx, inst, intent, txHash); err != nil {
		return nil, err
	}
	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeInstrument,
		EntityID:   inst.InstrumentID.String(),
		Action:     audit.ActionChainConfirm,
		Actor:      actorName,
		TxHash:     &txHash,
	})
	return &Result{Instrument: inst, TxHash: txHash}, nil
}

// confirm applies the chain confirmation: ONCHAIN, the recorded transaction
// hash, and the intent's target status; the intent row is consumed. Related
// instruments (split children anchored by the same transaction) are marked
// ONCHAIN alongside.
func (s *Service) confirm(ctx context.Context, inst *instrument.Instrument, intent *chain.Intent, txHash string) error {
	return s.tx.InTx(ctx, func(txCtx context.Context) error {
		inst.ChainStatus = instrument.ChainOnchain
		inst.TxHash = &txHash
		if intent.TargetStatus != "" {
			inst.Status = instrument.Status(intent.TargetStatus)
		}
		inst.FailedVersion = nil
		inst.FailureReason = nil
		if err := s.instruments.Update(txCtx, inst); err != nil {
			return err
		}
		for _, relID := range intent.RelatedIDs {
			rel, err := s.instruments.GetByID(txCtx, relID)
			if err != nil {
				return err
			}
			rel.ChainStatus = instrument.ChainOnchain
			rel.TxHash = &txHash
			if err := s.instruments.Update(txCtx, rel); err != nil {
				return err
			}
		}
		if intent.TransferID != nil {
			if err := s.transfers.SetTxHash(txCtx, *intent.TransferID, txHash, time.Now().UTC()); err != nil {
				return err
			}
		}
		return s.intents.Delete(txCtx, inst.InstrumentID)
	})
}

// markFailed parks the instrument. Status only moves when the instrument was
// waiting in PENDING_ONCHAIN; an already-anchored instrument keeps its status
// and only the chain status reflects the failed write.
func (s *Service) markFailed(ctx context.Context, inst *instrument.Instrument, reason string) error {
	return s.tx.InTx(ctx, func(txCtx context.Context) error {
		if inst.Status == instrument.StatusPendingOnchain {
			inst.Status = instrument.StatusOnchainFailed
		}
		inst.ChainStatus = instrument.ChainFailed
		inst.FailureReason = &reason
		// FailedVersion records the version the row holds once this write
		// lands, so rollback can detect any later state change.
		fv := inst.Version + 1
		inst.FailedVersion = &fv
		return s.instruments.Update(txCtx, inst)
	})
}

// ResolvePending drives instruments whose chain status is still PENDING to a
// terminal chain outcome. Called by the background loop and by the startup
// sweep; covers the crash window between a gateway submission and the database
// write recording its result, by re-querying the chain under the intent's
// idempotency key and patching the database to match.
func (s *Service) ResolvePending(ctx context.Context, limit int) (int, error) {
	insts, err := s.instruments.ListByChainStatus(ctx, instrument.ChainPending, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, inst := range insts {
		if err := s.resolveOne(ctx, inst); err != nil {
			s.logger.Error().Err(err).
				Str("instrumentId", inst.InstrumentID.String()).
				Msg("failed to resolve pending chain write")
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) resolveOne(ctx context.Context, inst *instrument.Instrument) error {
	intent, err := s.intents.GetByInstrument(ctx, inst.InstrumentID)
	if err != nil {
		return err
	}
	if intent == nil {
		// Confirmation committed but the chain status write was lost mid-saga.
		if inst.TxHash != nil {
			status, err := s.gateway.QueryStatus(ctx, *inst.TxHash)
			if err != nil {
				return fmt.Errorf("%w: %v", chain.ErrGateway, err)
			}
			if status == chain.TxConfirmed {
				return s.tx.InTx(ctx, func(txCtx context.Context) error {
					inst.ChainStatus = instrument.ChainOnchain
					return s.instruments.Update(txCtx, inst)
				})
			}
		}
		return s.markFailed(ctx, inst, "no chain intent recorded for pending write")
	}

	rec, err := s.gateway.LookupKey(ctx, intent.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("%w: %v", chain.ErrGateway, err)
	}
	if rec == nil {
		// The submission never reached the chain; park it as retryable.
		return s.markFailed(ctx, inst, "submission not found on chain")
	}
	switch rec.Status {
	case chain.TxConfirmed:
		s.logger.Info().
			Str("instrumentId", inst.InstrumentID.String()).
			Str("txHash", rec.TxHash).
			Msg("pending chain write resolved from chain record")
		return s.confirm(ctx, inst, intent, rec.TxHash)
	case chain.TxFailed:
		return s.markFailed(ctx, inst, "chain reports transaction failed")
	default:
		// Still pending on chain; leave for the next pass.
		return nil
	}
}

// StartupSweep resolves every instrument left in a pending chain state by a
// previous process, before the server starts accepting requests.
func (s *Service) StartupSweep(ctx context.Context) error {
	total := 0
	for {
		n, err := s.ResolvePending(ctx, 100)
		if err != nil {
			return err
		}
		total += n
		if n < 100 {
			break
		}
	}
	if total > 0 {
		s.logger.Info().Int("resolved", total).Msg("startup reconciliation sweep complete")
	}
	return nil
}

// Reconcile compares the database's transfer history for an instrument against
// the chain's recorded history. Divergence is reported and flagged on the
// instrument, never repaired automatically.
func (s *Service) Reconcile(ctx context.Context, instrumentID uuid.UUID, a actor.Actor) (*chain.DivergenceReport, error) {
	inst, err := s.instruments.GetByID(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if !s.auth.Authorize(a, actor.OpReconcile, inst) {
		return nil, actor.ErrForbidden
	}
	dbTransfers, err := s.transfers.ListByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	chainRecords, err := s.gateway.History(ctx, instrumentID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrGateway, err)
	}

	report := &chain.DivergenceReport{
		InstrumentID: instrumentID,
		DBRecords:    len(dbTransfers),
		ChainRecords: len(chainRecords),
		CheckedAt:    time.Now().UTC(),
	}

	chainByHash := make(map[string]*chain.TxRecord, len(chainRecords))
	for _, rec := range chainRecords {
		chainByHash[rec.TxHash] = rec
	}
	confirmed := 0
	for _, t := range dbTransfers {
		if t.TxHash == nil {
			continue
		}
		confirmed++
		if _, ok := chainByHash[*t.TxHash]; !ok {
			report.Divergent = true
			report.Details = append(report.Details,
				fmt.Sprintf("transfer seq %d tx %s recorded in database but absent from chain", t.Seq, *t.TxHash))
		}
	}
	transferOps := 0
	for _, rec := range chainRecords {
		if rec.Operation == "TRANSFER" || rec.Operation == "ENDORSE" {
			transferOps++
		}
	}
	if transferOps > confirmed {
		report.Divergent = true
		report.Details = append(report.Details,
			fmt.Sprintf("chain records %d transfer transactions, database confirms %d", transferOps, confirmed))
	}
	if inst.TxHash != nil && inst.ChainStatus == instrument.ChainOnchain {
		if _, ok := chainByHash[*inst.TxHash]; !ok {
			report.Divergent = true
			report.Details = append(report.Details,
				fmt.Sprintf("instrument anchor tx %s absent from chain history", *inst.TxHash))
		}
	}

	s.auditor.Log(ctx, &audit.AuditEntry{
		EntityType: audit.EntityTypeInstrument,
		EntityID:   instrumentID.String(),
		Action:     audit.ActionReconcile,
		Actor:      a.String(),
		NewValues:  report,
	})

	if report.Divergent && !inst.Flagged {
		if err := s.tx.InTx(ctx, func(txCtx context.Context) error {
			inst.Flagged = true
			return s.instruments.Update(txCtx, inst)
		}); err != nil {
			return nil, err
		}
		s.auditor.Log(ctx, &audit.AuditEntry{
			EntityType: audit.EntityTypeInstrument,
			EntityID:   instrumentID.String(),
			Action:     audit.ActionFlag,
			Actor:      a.String(),
			Reason:     fmt.Sprintf("%d divergence findings", len(report.Details)),
		})
		s.logger.Error().
			Str("instrumentId", instrumentID.String()).
			Strs("details", report.Details).
			Msg("ledger divergence detected; instrument flagged for manual audit")
	}
	return report, nil
}

// RunResolveLoop polls for pending chain writes until the context is done.
func (s *Service) RunResolveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ResolvePending(ctx, 100); err != nil {
				s.logger.Error().Err(err).Msg("pending chain resolution pass failed")
			}
		}
	}
}

func idempotencyKey(operation string, instrumentID uuid.UUID, version int64) string {
	return fmt.Sprintf("%s:%s:%d", operation, instrumentID, version)
}

// buildPayload encodes the chain submission. The envelope carries ref and
// operation so the ledger can index history per instrument.
func buildPayload(inst *instrument.Instrument, operation string, detail map[string]any) ([]byte, error) {
	body := map[string]any{
		"ref":       inst.InstrumentID.String(),
		"operation": operation,
		"kind":      inst.Kind,
		"value":     inst.Value.String(),
		"holderId":  inst.HolderID.String(),
		"version":   inst.Version,
	}
	if inst.Quantity != nil {
		body["quantity"] = *inst.Quantity
	}
	for k, v := range detail {
		body[k] = v
	}
	return json.Marshal(body)
}
