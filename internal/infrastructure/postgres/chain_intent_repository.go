package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
)

// ChainIntentRepository implements chain.IntentRepository. One intent per
// instrument; saving over an existing intent replaces it (retry uses the
// stored payload, so replacement only happens when a new operation starts).
type ChainIntentRepository struct {
	db *DB
}

func NewChainIntentRepository(db *DB) *ChainIntentRepository {
	return &ChainIntentRepository{db: db}
}

func (r *ChainIntentRepository) Save(ctx context.Context, intent *chain.Intent) error {
	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO chain_intents
		(instrument_id, idempotency_key, operation, payload, target_status, related_ids, transfer_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (instrument_id) DO UPDATE
		SET idempotency_key=EXCLUDED.idempotency_key, operation=EXCLUDED.operation,
			payload=EXCLUDED.payload, target_status=EXCLUDED.target_status,
			related_ids=EXCLUDED.related_ids, transfer_id=EXCLUDED.transfer_id,
			created_at=EXCLUDED.created_at
	`, intent.InstrumentID, intent.IdempotencyKey, intent.Operation, intent.Payload, intent.TargetStatus, intent.RelatedIDs, intent.TransferID, intent.CreatedAt)
	return mapWriteErr(err)
}

func (r *ChainIntentRepository) GetByInstrument(ctx context.Context, instrumentID uuid.UUID) (*chain.Intent, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT id, instrument_id, idempotency_key, operation, payload, target_status, related_ids, transfer_id, created_at
		FROM chain_intents WHERE instrument_id=$1
	`, instrumentID)
	var in chain.Intent
	if err := row.Scan(&in.ID, &in.InstrumentID, &in.IdempotencyKey, &in.Operation, &in.Payload, &in.TargetStatus, &in.RelatedIDs, &in.TransferID, &in.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &in, nil
}

func (r *ChainIntentRepository) Delete(ctx context.Context, instrumentID uuid.UUID) error {
	_, err := r.db.q(ctx).Exec(ctx, `DELETE FROM chain_intents WHERE instrument_id=$1`, instrumentID)
	return err
}
