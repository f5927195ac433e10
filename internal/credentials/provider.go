// Package credentials produces valid bearer credentials for accounts,
// refreshing stored OAuth tokens as they approach expiry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
	"golang.org/x/oauth2"
)

// ErrAuthFailure means no usable credential could be produced for the
// account. It is not retried within an attempt loop: retrying with the same
// stale refresh token is pointless. The unit-level retry re-attempts
// acquisition on its next pass.
var ErrAuthFailure = errors.New("credential acquisition failed")

// Tokens expiring within this window are refreshed proactively.
const expiryLeeway = 5 * time.Minute

// Provider hands out valid bearer credentials.
type Provider interface {
	GetValidCredential(ctx context.Context, accountID uuid.UUID) (string, error)
}

// OAuthProvider refreshes tokens through the configured OAuth endpoint and
// persists the new expiry. An in-process TTL cache avoids a database
// round-trip per pipeline stage; entries expire ahead of the token itself.
type OAuthProvider struct {
	store store.Store
	oauth *oauth2.Config
	cache *ttlcache.Cache[uuid.UUID, string]
}

func NewOAuthProvider(st store.Store, cfg config.OAuthConfig) *OAuthProvider {
	c := ttlcache.New[uuid.UUID, string]()
	go c.Start()
	return &OAuthProvider{
		store: st,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		cache: c,
	}
}

func (p *OAuthProvider) GetValidCredential(ctx context.Context, accountID uuid.UUID) (string, error) {
	if item := p.cache.Get(accountID); item != nil {
		return item.Value(), nil
	}

	stored, err := p.store.GetOAuthToken(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: no stored token for account %s", ErrAuthFailure, accountID)
	}
	if err != nil {
		return "", fmt.Errorf("loading token for account %s: %w", accountID, err)
	}

	if time.Until(stored.Expiry) > expiryLeeway {
		p.cacheToken(accountID, stored.AccessToken, stored.Expiry)
		return stored.AccessToken, nil
	}

	if stored.RefreshToken == "" {
		return "", fmt.Errorf("%w: token expired and account %s has no refresh capability",
			ErrAuthFailure, accountID)
	}

	refreshed, err := p.refresh(ctx, stored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	if err := p.store.SaveOAuthToken(ctx, refreshed); err != nil {
		// The refreshed token is still usable this run; only persistence of
		// the new expiry failed.
		slog.Warn("failed to persist refreshed token", "account_id", accountID, "error", err)
	}

	p.cacheToken(accountID, refreshed.AccessToken, refreshed.Expiry)
	return refreshed.AccessToken, nil
}

func (p *OAuthProvider) refresh(ctx context.Context, stored *models.OAuthToken) (*models.OAuthToken, error) {
	src := p.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token for account %s: %w", stored.AccountID, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = stored.RefreshToken
	}
	return &models.OAuthToken{
		AccountID:    stored.AccountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func (p *OAuthProvider) cacheToken(accountID uuid.UUID, token string, expiry time.Time) {
	ttl := time.Until(expiry) - expiryLeeway
	if ttl <= 0 {
		return
	}
	p.cache.Set(accountID, token, ttl)
}

var _ Provider = (*OAuthProvider)(nil)
