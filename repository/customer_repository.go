package repository

import (
	"database/sql"
	"fmt"
	"time"

	"campaign_dispatcher/models"
)

type CustomerRepositoryInterface interface {
	GetByID(id string) (*models.Customer, error)
	// ListDue returns customers whose follow-up timer has elapsed.
	ListDue(now time.Time, limit int) ([]models.Customer, error)
	// UpdateFollowupState writes the stage label and the next trigger time
	// in one statement. A nil next clears the timer.
	UpdateFollowupState(id, label string, next *time.Time) error
	UpdateLastInteraction(id string, at time.Time) error
	CountScheduled() (int, error)
	// CountOverdue counts armed timers that elapsed more than grace ago,
	// a signal the scheduler is stuck or down.
	CountOverdue(now time.Time, grace time.Duration) (int, error)
}

type CustomerRepository struct {
	DB *sql.DB
}

func (r *CustomerRepository) GetByID(id string) (*models.Customer, error) {
	query := `
        SELECT id, wa_id, COALESCE(name, ''), next_followup_time,
               COALESCE(last_message_type, ''), last_interaction_time
        FROM customers WHERE id=$1
    `
	var c models.Customer
	err := r.DB.QueryRow(query, id).Scan(
		&c.ID, &c.WaID, &c.Name, &c.NextFollowupTime, &c.LastMessageType, &c.LastInteractionTime,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("customer %s not found", id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) ListDue(now time.Time, limit int) ([]models.Customer, error) {
	query := `
        SELECT id, wa_id, COALESCE(name, ''), next_followup_time,
               COALESCE(last_message_type, ''), last_interaction_time
        FROM customers
        WHERE next_followup_time IS NOT NULL AND next_followup_time <= $1
        ORDER BY next_followup_time
        LIMIT $2
    `
	rows, err := r.DB.Query(query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []models.Customer{}
	for rows.Next() {
		var c models.Customer
		if err := rows.Scan(&c.ID, &c.WaID, &c.Name, &c.NextFollowupTime, &c.LastMessageType, &c.LastInteractionTime); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (r *CustomerRepository) UpdateFollowupState(id, label string, next *time.Time) error {
	query := `UPDATE customers SET last_message_type=$1, next_followup_time=$2, updated_at=NOW() WHERE id=$3`
	_, err := r.DB.Exec(query, sql.NullString{String: label, Valid: label != ""}, next, id)
	return err
}

func (r *CustomerRepository) UpdateLastInteraction(id string, at time.Time) error {
	query := `UPDATE customers SET last_interaction_time=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, at, id)
	return err
}

func (r *CustomerRepository) CountScheduled() (int, error) {
	var count int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM customers WHERE next_followup_time IS NOT NULL`).Scan(&count)
	return count, err
}

func (r *CustomerRepository) CountOverdue(now time.Time, grace time.Duration) (int, error) {
	var count int
	err := r.DB.QueryRow(
		`SELECT COUNT(*) FROM customers WHERE next_followup_time IS NOT NULL AND next_followup_time <= $1`,
		now.Add(-grace),
	).Scan(&count)
	return count, err
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
