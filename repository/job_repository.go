package repository

import (
	"database/sql"
	"fmt"

	"campaign_dispatcher/models"
)

type JobRepositoryInterface interface {
	Create(job *models.Job) error
	GetByID(id string) (*models.Job, error)
	// TouchLastTriggered bumps last_triggered_time to NOW() and records
	// which worker attempted the job most recently.
	TouchLastTriggered(id, workerName string) error
	// OverallStats aggregates delivery counts across every job.
	OverallStats() (map[string]int, error)
}

type JobRepository struct {
	DB *sql.DB
}

func (r *JobRepository) Create(job *models.Job) error {
	query := `
        INSERT INTO jobs (id, campaign_id, created_at)
        VALUES ($1, $2, NOW())
        RETURNING created_at
    `
	return r.DB.QueryRow(query, job.ID, job.CampaignID).Scan(&job.CreatedAt)
}

func (r *JobRepository) GetByID(id string) (*models.Job, error) {
	query := `
        SELECT id, campaign_id, created_at, last_triggered_time, COALESCE(last_attempted_by, '')
        FROM jobs WHERE id=$1
    `
	var j models.Job
	err := r.DB.QueryRow(query, id).Scan(&j.ID, &j.CampaignID, &j.CreatedAt, &j.LastTriggeredTime, &j.LastAttemptedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) TouchLastTriggered(id, workerName string) error {
	query := `UPDATE jobs SET last_triggered_time=NOW(), last_attempted_by=$1 WHERE id=$2`
	_, err := r.DB.Exec(query, workerName, id)
	return err
}

func (r *JobRepository) OverallStats() (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM delivery_statuses GROUP BY status`
	rows, err := r.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
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
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
