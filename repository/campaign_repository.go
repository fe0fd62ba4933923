package repository

import (
	"database/sql"
	"fmt"

	"campaign_dispatcher/models"
)

type CampaignRepositoryInterface interface {
	GetByID(id string) (*models.Campaign, error)
	ListRecipients(campaignID string) ([]models.Recipient, error)
	GetRecipient(id string) (*models.Recipient, error)
	UpdateLastJobID(campaignID, jobID string) error
}

type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	query := `
        SELECT id, name, message_type, content, COALESCE(last_job_id, ''), created_at
        FROM campaigns WHERE id=$1
    `
	var c models.Campaign
	err := r.DB.QueryRow(query, id).Scan(&c.ID, &c.Name, &c.MessageType, &c.Content, &c.LastJobID, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("campaign %s not found", id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListRecipients(campaignID string) ([]models.Recipient, error) {
	query := `
        SELECT id, campaign_id, phone_number, COALESCE(name, '')
        FROM campaign_recipients WHERE campaign_id=$1 ORDER BY id
    `
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		var rec models.Recipient
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.PhoneNumber, &rec.Name); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

func (r *CampaignRepository) GetRecipient(id string) (*models.Recipient, error) {
	query := `
        SELECT id, campaign_id, phone_number, COALESCE(name, '')
        FROM campaign_recipients WHERE id=$1
    `
	var rec models.Recipient
	err := r.DB.QueryRow(query, id).Scan(&rec.ID, &rec.CampaignID, &rec.PhoneNumber, &rec.Name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("recipient %s not found", id)
		}
		return nil, err
	}
	return &rec, nil
}

func (r *CampaignRepository) UpdateLastJobID(campaignID, jobID string) error {
	query := `UPDATE campaigns SET last_job_id=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, jobID, campaignID)
	return err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
