package repository

import (
	"database/sql"

	"campaign_dispatcher/models"
)

type TokenRepositoryInterface interface {
	// Latest returns the most recently stored gateway credential,
	// or models.ErrNoCredential when the table is empty.
	Latest() (*models.GatewayCredential, error)
}

type TokenRepository struct {
	DB *sql.DB
}

func (r *TokenRepository) Latest() (*models.GatewayCredential, error) {
	query := `
        SELECT token, COALESCE(phone_id, ''), created_at
        FROM gateway_tokens ORDER BY created_at DESC LIMIT 1
    `
	var c models.GatewayCredential
	err := r.DB.QueryRow(query).Scan(&c.Token, &c.PhoneID, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNoCredential
		}
		return nil, err
	}
	return &c, nil
}

var _ TokenRepositoryInterface = (*TokenRepository)(nil)
