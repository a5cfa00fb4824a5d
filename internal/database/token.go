package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redialhq/redial/internal/database/models"
)

// tokenRepo implements TokenRepository.
type tokenRepo struct {
	db *DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *DB) TokenRepository {
	return &tokenRepo{db: db}
}

// Get returns the token record for the location, or nil when absent.
func (r *tokenRepo) Get(ctx context.Context, locationID string) (*models.OAuthToken, error) {
	var t models.OAuthToken
	err := r.db.QueryRowContext(ctx,
		`SELECT location_id, access_token, refresh_token, expires_at, updated_at
		 FROM oauth_tokens WHERE location_id = ?`, locationID,
	).Scan(&t.LocationID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth token: %w", err)
	}
	return &t, nil
}

// Save upserts the token record for its location.
func (r *tokenRepo) Save(ctx context.Context, token *models.OAuthToken) error {
	token.UpdatedAt = storeTime(time.Now())
	token.ExpiresAt = storeTime(token.ExpiresAt)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (location_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(location_id) DO UPDATE SET
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expires_at = excluded.expires_at,
		 updated_at = excluded.updated_at`,
		token.LocationID, token.AccessToken, token.RefreshToken,
		token.ExpiresAt, token.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving oauth token for %s: %w", token.LocationID, err)
	}
	return nil
}
