package repository

import (
	"database/sql"

	"campaign_dispatcher/models"
)

type StatusRepositoryInterface interface {
	// Upsert writes one delivery status row keyed by (job_id, target_id).
	// Queue redelivery replays the same key, so every write must be an
	// upsert rather than an insert.
	Upsert(s *models.DeliveryStatus) error
	// BulkInsertPending seeds pending rows for a fresh job. Existing rows
	// are left untouched so a re-run cannot reset completed entries.
	BulkInsertPending(jobID string, statuses []models.DeliveryStatus) error
	MarkQueued(jobID, targetID string) error
	// ResetToQueued returns a row to the queued state for an operator
	// retry, clearing the old error. Guarded on status so a worker that
	// already delivered the re-published task cannot have its success
	// overwritten.
	ResetToQueued(jobID, targetID string) error
	Counts(jobID string) (map[string]int, error)
	// ListNonSuccess returns rows eligible for an operator-triggered retry.
	ListNonSuccess(jobID string) ([]models.DeliveryStatus, error)
}

type StatusRepository struct {
	DB *sql.DB
}

func (r *StatusRepository) Upsert(s *models.DeliveryStatus) error {
	query := `
        INSERT INTO delivery_statuses
            (job_id, target_id, target_type, phone_number, status, error_code, error_message, retry_count, updated_at, processed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)
        ON CONFLICT (job_id, target_id) DO UPDATE SET
            status        = EXCLUDED.status,
            phone_number  = EXCLUDED.phone_number,
            error_code    = EXCLUDED.error_code,
            error_message = EXCLUDED.error_message,
            retry_count   = delivery_statuses.retry_count + 1,
            updated_at    = NOW(),
            processed_at  = EXCLUDED.processed_at
    `
	_, err := r.DB.Exec(query,
		s.JobID, s.TargetID, s.TargetType, s.PhoneNumber, s.Status,
		s.ErrorCode, s.ErrorMessage, s.RetryCount, s.ProcessedAt,
	)
	return err
}

func (r *StatusRepository) BulkInsertPending(jobID string, statuses []models.DeliveryStatus) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO delivery_statuses (job_id, target_id, target_type, phone_number, status, retry_count, updated_at)
        VALUES ($1, $2, $3, $4, $5, 0, NOW())
        ON CONFLICT (job_id, target_id) DO NOTHING
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range statuses {
		if _, err := stmt.Exec(jobID, s.TargetID, s.TargetType, s.PhoneNumber, models.StatusPending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *StatusRepository) MarkQueued(jobID, targetID string) error {
	query := `
        UPDATE delivery_statuses SET status=$1, updated_at=NOW()
        WHERE job_id=$2 AND target_id=$3 AND status=$4
    `
	_, err := r.DB.Exec(query, models.StatusQueued, jobID, targetID, models.StatusPending)
	return err
}

func (r *StatusRepository) ResetToQueued(jobID, targetID string) error {
	query := `
        UPDATE delivery_statuses
        SET status=$1, error_code='', error_message='', updated_at=NOW()
        WHERE job_id=$2 AND target_id=$3 AND status != $4
    `
	_, err := r.DB.Exec(query, models.StatusQueued, jobID, targetID, models.StatusSuccess)
	return err
}

func (r *StatusRepository) Counts(jobID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM delivery_statuses WHERE job_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		models.StatusPending: 0,
		models.StatusQueued:  0,
		models.StatusSuccess: 0,
		models.StatusFailure: 0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *StatusRepository) ListNonSuccess(jobID string) ([]models.DeliveryStatus, error) {
	query := `
        SELECT job_id, target_id, target_type, COALESCE(phone_number, ''), status,
               COALESCE(error_code, ''), COALESCE(error_message, ''), retry_count, updated_at, processed_at
        FROM delivery_statuses
        WHERE job_id=$1 AND status != $2
        ORDER BY target_id
    `
	rows, err := r.DB.Query(query, jobID, models.StatusSuccess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := []models.DeliveryStatus{}
	for rows.Next() {
		var s models.DeliveryStatus
		if err := rows.Scan(&s.JobID, &s.TargetID, &s.TargetType, &s.PhoneNumber, &s.Status,
			&s.ErrorCode, &s.ErrorMessage, &s.RetryCount, &s.UpdatedAt, &s.ProcessedAt); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

var _ StatusRepositoryInterface = (*StatusRepository)(nil)
