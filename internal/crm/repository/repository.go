// Package repository persists the CRM OAuth connection state.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotConnected = errors.New("crm connection not found")

// Connection is the stored OAuth state for one CRM location.
type Connection struct {
	ID           uuid.UUID
	LocationID   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByLocation loads the connection for a CRM location.
func (r *Repository) GetByLocation(ctx context.Context, locationID string) (Connection, error) {
	var conn Connection
	err := r.pool.QueryRow(ctx, `
		SELECT id, location_id, access_token, refresh_token, expires_at, updated_at
		FROM crm_connections
		WHERE location_id = $1
	`, locationID).Scan(&conn.ID, &conn.LocationID, &conn.AccessToken, &conn.RefreshToken, &conn.ExpiresAt, &conn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, ErrNotConnected
		}
		return Connection{}, err
	}

	return conn, nil
}

// SaveTokens persists a refreshed token set. Called before any upstream
// fetch proceeds, so a crash mid-run never loses the rotated refresh token.
func (r *Repository) SaveTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE crm_connections
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = now()
		WHERE id = $1
	`, id, accessToken, refreshToken, expiresAt)
	return err
}
