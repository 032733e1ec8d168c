package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/application"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

const applicationColumns = `a.id, a.application_id, a.kind, a.applicant_id, a.review_status, a.reviewer_id, a.reason, a.review_note, a.payload, a.failure_reason, a.created_at, a.reviewed_at`

// ApplicationRepository implements application.Repository.
type ApplicationRepository struct {
	db *DB
}

func NewApplicationRepository(db *DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// Create inserts the application and one target row per instrument inside a
// transaction. The partial unique index on pending targets closes the
// check-then-act race: the second concurrent submit fails here with
// instrument.ErrConflict.
func (r *ApplicationRepository) Create(ctx context.Context, a *application.Application) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		_, err := r.db.q(ctx).Exec(ctx, `
			INSERT INTO applications
			(application_id, kind, applicant_id, review_status, reviewer_id, reason, review_note, payload, failure_reason, created_at, reviewed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, a.ApplicationID, a.Kind, a.ApplicantID, a.ReviewStatus, a.ReviewerID, a.Reason, a.ReviewNote, a.Payload, a.FailureReason, a.CreatedAt, a.ReviewedAt)
		if err != nil {
			return mapWriteErr(err)
		}
		for _, target := range a.TargetIDs {
			_, err := r.db.q(ctx).Exec(ctx, `
				INSERT INTO application_targets (application_id, target_id, kind, review_status)
				VALUES ($1,$2,$3,$4)
			`, a.ApplicationID, target, a.Kind, a.ReviewStatus)
			if err != nil {
				return mapWriteErr(err)
			}
		}
		return nil
	})
}

func (r *ApplicationRepository) Update(ctx context.Context, a *application.Application) error {
	return r.db.InTx(ctx, func(ctx context.Context) error {
		_, err := r.db.q(ctx).Exec(ctx, `
			UPDATE applications
			SET review_status=$1, reviewer_id=$2, review_note=$3, failure_reason=$4, reviewed_at=$5
			WHERE application_id=$6
		`, a.ReviewStatus, a.ReviewerID, a.ReviewNote, a.FailureReason, a.ReviewedAt, a.ApplicationID)
		if err != nil {
			return mapWriteErr(err)
		}
		// Target rows mirror the review status so the partial unique index
		// releases the pending slot on terminal transitions.
		_, err = r.db.q(ctx).Exec(ctx, `
			UPDATE application_targets SET review_status=$1 WHERE application_id=$2
		`, a.ReviewStatus, a.ApplicationID)
		return mapWriteErr(err)
	})
}

func (r *ApplicationRepository) GetByID(ctx context.Context, applicationID uuid.UUID) (*application.Application, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT `+applicationColumns+` FROM applications a WHERE a.application_id=$1
	`, applicationID)
	a, err := scanApplication(row)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, instrument.ErrNotFound
	}
	if err := r.loadTargets(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *ApplicationRepository) List(ctx context.Context, filter application.Filter, limit, offset int) ([]*application.Application, error) {
	query := `SELECT DISTINCT ` + applicationColumns + ` FROM applications a`
	args := []interface{}{}
	idx := 1
	if filter.TargetID != nil {
		query += ` JOIN application_targets t ON t.application_id = a.application_id`
	}
	if filter.Kind != nil {
		query += addWhere(query) + " a.kind=$" + itoa(idx)
		args = append(args, *filter.Kind)
		idx++
	}
	if filter.ReviewStatus != nil {
		query += addWhere(query) + " a.review_status=$" + itoa(idx)
		args = append(args, *filter.ReviewStatus)
		idx++
	}
	if filter.TargetID != nil {
		query += addWhere(query) + " t.target_id=$" + itoa(idx)
		args = append(args, *filter.TargetID)
		idx++
	}
	if filter.ApplicantID != nil {
		query += addWhere(query) + " a.applicant_id=$" + itoa(idx)
		args = append(args, *filter.ApplicantID)
		idx++
	}
	query += " ORDER BY a.created_at DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []*application.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range apps {
		if err := r.loadTargets(ctx, a); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

func (r *ApplicationRepository) HasPending(ctx context.Context, targetID uuid.UUID, kind application.Kind) (bool, error) {
	row := r.db.q(ctx).QueryRow(ctx, `
		SELECT 1 FROM application_targets WHERE target_id=$1 AND kind=$2 AND review_status='PENDING' LIMIT 1
	`, targetID, kind)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ApplicationRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*application.Application, error) {
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+applicationColumns+` FROM applications a
		WHERE a.review_status='PENDING' AND a.created_at < $1
		ORDER BY a.created_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []*application.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range apps {
		if err := r.loadTargets(ctx, a); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

func (r *ApplicationRepository) loadTargets(ctx context.Context, a *application.Application) error {
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT target_id FROM application_targets WHERE application_id=$1 ORDER BY id ASC
	`, a.ApplicationID)
	if err != nil {
		return err
	}
	defer rows.Close()
	a.TargetIDs = a.TargetIDs[:0]
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		a.TargetIDs = append(a.TargetIDs, id)
	}
	return rows.Err()
}

func scanApplication(row pgx.Row) (*application.Application, error) {
	var a application.Application
	if err := row.Scan(&a.ID, &a.ApplicationID, &a.Kind, &a.ApplicantID, &a.ReviewStatus, &a.ReviewerID, &a.Reason, &a.ReviewNote, &a.Payload, &a.FailureReason, &a.CreatedAt, &a.ReviewedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
