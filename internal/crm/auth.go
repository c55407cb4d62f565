// Package crm resolves upstream CRM credentials for the reconciliation engine.
package crm

import (
	"context"
	"fmt"
	"time"

	"maklerportal_backend/internal/crm/repository"
	"maklerportal_backend/internal/crm/transport"
	"maklerportal_backend/platform/config"
	"maklerportal_backend/platform/logger"

	"github.com/google/uuid"
)

// CredentialStore reads and rotates the persisted OAuth connection.
type CredentialStore interface {
	GetByLocation(ctx context.Context, locationID string) (repository.Connection, error)
	SaveTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
}

// TokenRefresher exchanges a refresh token against the CRM's OAuth endpoint.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (transport.TokenSet, error)
}

// TokenProvider hands out a valid access token, refreshing it up front when
// it expires within the configured buffer. Refresh happens at most once per
// call and the rotated tokens are persisted before the token is returned.
type TokenProvider struct {
	store     CredentialStore
	refresher TokenRefresher
	cfg       config.CRMConfig
	log       *logger.Logger
	now       func() time.Time
}

func NewTokenProvider(store CredentialStore, refresher TokenRefresher, cfg config.CRMConfig, log *logger.Logger) *TokenProvider {
	return &TokenProvider{
		store:     store,
		refresher: refresher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// AccessToken returns a usable access token for the configured location.
// A refresh failure is returned to the caller; the run treats it as fatal.
func (p *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	conn, err := p.store.GetByLocation(ctx, p.cfg.GetCRMLocationID())
	if err != nil {
		return "", fmt.Errorf("load crm connection: %w", err)
	}

	if conn.ExpiresAt.After(p.now().Add(p.cfg.GetCRMTokenRefreshBuffer())) {
		return conn.AccessToken, nil
	}

	tokens, err := p.refresher.RefreshToken(ctx, p.cfg.GetCRMClientID(), p.cfg.GetCRMClientSecret(), conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh crm token: %w", err)
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}
	expiresAt := p.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)

	if err := p.store.SaveTokens(ctx, conn.ID, tokens.AccessToken, refreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist refreshed crm token: %w", err)
	}

	p.log.Info("crm token refreshed", "location_id", conn.LocationID, "expires_at", expiresAt)

	return tokens.AccessToken, nil
}
