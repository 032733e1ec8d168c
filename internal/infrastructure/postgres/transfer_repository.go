package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// TransferRepository implements instrument.TransferRepository.
type TransferRepository struct {
	db *DB
}

func NewTransferRepository(db *DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create assigns the next per-instrument sequence number and inserts the
// transfer in one statement, so concurrent transfers of the same instrument
// are totally ordered at the moment they are durably recorded.
func (r *TransferRepository) Create(ctx context.Context, t *instrument.Transfer) error {
	row := r.db.q(ctx).QueryRow(ctx, `
		INSERT INTO instrument_transfers
		(transfer_id, instrument_id, from_holder_id, to_holder_id, seq, tx_hash, created_at)
		VALUES ($1,$2,$3,$4,
			COALESCE((SELECT MAX(seq) FROM instrument_transfers WHERE instrument_id=$2), 0) + 1,
			$5,$6)
		RETURNING id, seq
	`, t.TransferID, t.InstrumentID, t.FromHolderID, t.ToHolderID, t.TxHash, t.CreatedAt)
	if err := row.Scan(&t.ID, &t.Seq); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *TransferRepository) SetTxHash(ctx context.Context, transferID uuid.UUID, txHash string, confirmedAt time.Time) error {
	_, err := r.db.q(ctx).Exec(ctx, `
		UPDATE instrument_transfers SET tx_hash=$1, confirmed_at=$2 WHERE transfer_id=$3
	`, txHash, confirmedAt, transferID)
	return err
}

func (r *TransferRepository) ListByInstrument(ctx context.Context, instrumentID uuid.UUID) ([]*instrument.Transfer, error) {
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT id, transfer_id, instrument_id, from_holder_id, to_holder_id, seq, tx_hash, created_at, confirmed_at
		FROM instrument_transfers WHERE instrument_id=$1 ORDER BY seq ASC
	`, instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transfers []*instrument.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func scanTransfer(row pgx.Row) (*instrument.Transfer, error) {
	var t instrument.Transfer
	if err := row.Scan(&t.ID, &t.TransferID, &t.InstrumentID, &t.FromHolderID, &t.ToHolderID, &t.Seq, &t.TxHash, &t.CreatedAt, &t.ConfirmedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
