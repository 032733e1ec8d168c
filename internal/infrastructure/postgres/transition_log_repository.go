package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// TransitionLogRepository implements instrument.TransitionLog. The unique
// index on (instrument_id, version, event) is the dedup key for idempotent
// transition retries.
type TransitionLogRepository struct {
	db *DB
}

func NewTransitionLogRepository(db *DB) *TransitionLogRepository {
	return &TransitionLogRepository{db: db}
}

func (r *TransitionLogRepository) Record(ctx context.Context, rec *instrument.TransitionRecord) error {
	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO instrument_transitions
		(instrument_id, version, event, request_id, status, chain_status, tx_hash, applied_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.InstrumentID, rec.Version, rec.Event, rec.RequestID, rec.Status, rec.ChainStatus, rec.TxHash, rec.AppliedAt)
	return mapWriteErr(err)
}

func (r *TransitionLogRepository) Get(ctx context.Context, instrumentID uuid.UUID, version int64, ev instrument.Event) (*instrument.TransitionRecord, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT id, instrument_id, version, event, request_id, status, chain_status, tx_hash, applied_at
		FROM instrument_transitions WHERE instrument_id=$1 AND version=$2 AND event=$3
	`, instrumentID, version, ev)
	var rec instrument.TransitionRecord
	if err := row.Scan(&rec.ID, &rec.InstrumentID, &rec.Version, &rec.Event, &rec.RequestID, &rec.Status, &rec.ChainStatus, &rec.TxHash, &rec.AppliedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *TransitionLogRepository) GetByRequest(ctx context.Context, instrumentID uuid.UUID, ev instrument.Event, requestID string) (*instrument.TransitionRecord, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT id, instrument_id, version, event, request_id, status, chain_status, tx_hash, applied_at
		FROM instrument_transitions WHERE instrument_id=$1 AND event=$2 AND request_id=$3
		ORDER BY version DESC LIMIT 1
	`, instrumentID, ev, requestID)
	var rec instrument.TransitionRecord
	if err := row.Scan(&rec.ID, &rec.InstrumentID, &rec.Version, &rec.Event, &rec.RequestID, &rec.Status, &rec.ChainStatus, &rec.TxHash, &rec.AppliedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
