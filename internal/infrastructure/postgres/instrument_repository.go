package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

const instrumentColumns = `id, instrument_id, kind, status, chain_status, tx_hash, value, quantity, goods_type, bill_type, holder_id, enterprise_id, version, parent_id, due_date, pending_review, failed_version, failure_reason, flagged, created_at, updated_at`

// InstrumentRepository implements instrument.Repository.
type InstrumentRepository struct {
	db *DB
}

func NewInstrumentRepository(db *DB) *InstrumentRepository {
	return &InstrumentRepository{db: db}
}

func (r *InstrumentRepository) Create(ctx context.Context, i *instrument.Instrument) error {
	err := r.insert(ctx, i)
	return mapWriteErr(err)
}

func (r *InstrumentRepository) CreateBatch(ctx context.Context, insts []*instrument.Instrument) error {
	for _, i := range insts {
		if err := r.insert(ctx, i); err != nil {
			return mapWriteErr(err)
		}
	}
	return nil
}

func (r *InstrumentRepository) insert(ctx context.Context, i *instrument.Instrument) error {
	_, err := r.db.q(ctx).Exec(ctx, `
		INSERT INTO instruments
		(instrument_id, kind, status, chain_status, tx_hash, value, quantity, goods_type, bill_type, holder_id, enterprise_id, version, parent_id, due_date, pending_review, failed_version, failure_reason, flagged, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, i.InstrumentID, i.Kind, i.Status, i.ChainStatus, i.TxHash, i.Value, i.Quantity, i.GoodsType, i.BillType, i.HolderID, i.EnterpriseID, i.Version, i.ParentID, i.DueDate, i.PendingReview, i.FailedVersion, i.FailureReason, i.Flagged, i.CreatedAt, i.UpdatedAt)
	return err
}

func (r *InstrumentRepository) GetByID(ctx context.Context, instrumentID uuid.UUID) (*instrument.Instrument, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT `+instrumentColumns+` FROM instruments WHERE instrument_id=$1
	`, instrumentID)
	return scanInstrument(row)
}

func (r *InstrumentRepository) GetBatch(ctx context.Context, instrumentIDs []uuid.UUID) ([]*instrument.Instrument, error) {
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+instrumentColumns+` FROM instruments WHERE instrument_id = ANY($1)
	`, instrumentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstruments(rows)
}

func (r *InstrumentRepository) List(ctx context.Context, filter instrument.Filter, limit, offset int) ([]*instrument.Instrument, error) {
	query := `SELECT ` + instrumentColumns + ` FROM instruments`
	args := []interface{}{}
	idx := 1
	if filter.Kind != nil {
		query += addWhere(query) + " kind=$" + itoa(idx)
		args = append(args, *filter.Kind)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.ChainStatus != nil {
		query += addWhere(query) + " chain_status=$" + itoa(idx)
		args = append(args, *filter.ChainStatus)
		idx++
	}
	if filter.HolderID != nil {
		query += addWhere(query) + " holder_id=$" + itoa(idx)
		args = append(args, *filter.HolderID)
		idx++
	}
	if filter.Flagged != nil {
		query += addWhere(query) + " flagged=$" + itoa(idx)
		args = append(args, *filter.Flagged)
		idx++
	}
	query += " ORDER BY created_at DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstruments(rows)
}

func (r *InstrumentRepository) ListByChainStatus(ctx context.Context, cs instrument.ChainStatus, limit int) ([]*instrument.Instrument, error) {
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+instrumentColumns+` FROM instruments WHERE chain_status=$1 ORDER BY updated_at ASC LIMIT $2
	`, cs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstruments(rows)
}

// Update writes the row via compare-and-swap on version. On success the
// in-memory Version is advanced to match the stored row.
func (r *InstrumentRepository) Update(ctx context.Context, i *instrument.Instrument) error {
	tag, err := r.db.q(ctx).Exec(ctx, `
		UPDATE instruments
		SET status=$1, chain_status=$2, tx_hash=$3, value=$4, quantity=$5, holder_id=$6, due_date=$7, pending_review=$8, failed_version=$9, failure_reason=$10, flagged=$11, version=version+1, updated_at=now()
		WHERE instrument_id=$12 AND version=$13
	`, i.Status, i.ChainStatus, i.TxHash, i.Value, i.Quantity, i.HolderID, i.DueDate, i.PendingReview, i.FailedVersion, i.FailureReason, i.Flagged, i.InstrumentID, i.Version)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instrument %s version %d", instrument.ErrConflict, i.InstrumentID, i.Version)
	}
	i.Version++
	return nil
}

func collectInstruments(rows pgx.Rows) ([]*instrument.Instrument, error) {
	var out []*instrument.Instrument
	for rows.Next() {
		i, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func scanInstrument(row pgx.Row) (*instrument.Instrument, error) {
	var i instrument.Instrument
	if err := row.Scan(&i.ID, &i.InstrumentID, &i.Kind, &i.Status, &i.ChainStatus, &i.TxHash, &i.Value, &i.Quantity, &i.GoodsType, &i.BillType, &i.HolderID, &i.EnterpriseID, &i.Version, &i.ParentID, &i.DueDate, &i.PendingReview, &i.FailedVersion, &i.FailureReason, &i.Flagged, &i.CreatedAt, &i.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, instrument.ErrNotFound
		}
		return nil, err
	}
	return &i, nil
}
