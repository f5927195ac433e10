package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenStore implements just the token methods; everything else is unused
// by the provider.
type tokenStore struct {
	store.Store

	mu     sync.Mutex
	tokens map[uuid.UUID]*models.OAuthToken
	saved  []*models.OAuthToken
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[uuid.UUID]*models.OAuthToken)}
}

func (s *tokenStore) GetOAuthToken(_ context.Context, accountID uuid.UUID) (*models.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *tokenStore) SaveOAuthToken(_ context.Context, token *models.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.AccountID] = token
	s.saved = append(s.saved, token)
	return nil
}

func tokenServer(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"` + accessToken + `","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(st store.Store, tokenURL string) *OAuthProvider {
	return NewOAuthProvider(st, config.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
	})
}

func TestGetValidCredential_FreshTokenUsedAsIs(t *testing.T) {
	st := newTokenStore()
	accountID := uuid.New()
	st.tokens[accountID] = &models.OAuthToken{
		AccountID:   accountID,
		AccessToken: "fresh-token",
		Expiry:      time.Now().Add(time.Hour),
	}

	p := newTestProvider(st, "http://unused.invalid/token")
	cred, err := p.GetValidCredential(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", cred)
	assert.Empty(t, st.saved, "no refresh should have been persisted")
}

func TestGetValidCredential_RefreshesExpiringToken(t *testing.T) {
	srv := tokenServer(t, "refreshed-token")

	st := newTokenStore()
	accountID := uuid.New()
	st.tokens[accountID] = &models.OAuthToken{
		AccountID:    accountID,
		AccessToken:  "stale-token",
		RefreshToken: "refresh-me",
		// Inside the 5 minute leeway window.
		Expiry: time.Now().Add(time.Minute),
	}

	p := newTestProvider(st, srv.URL)
	cred, err := p.GetValidCredential(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", cred)

	// New expiry persisted.
	require.Len(t, st.saved, 1)
	assert.Equal(t, "refreshed-token", st.saved[0].AccessToken)
	assert.Equal(t, "refresh-me", st.saved[0].RefreshToken)
	assert.True(t, st.saved[0].Expiry.After(time.Now().Add(30*time.Minute)))
}

func TestGetValidCredential_NoStoredToken(t *testing.T) {
	p := newTestProvider(newTokenStore(), "http://unused.invalid/token")
	_, err := p.GetValidCredential(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestGetValidCredential_ExpiredWithoutRefreshToken(t *testing.T) {
	st := newTokenStore()
	accountID := uuid.New()
	st.tokens[accountID] = &models.OAuthToken{
		AccountID:   accountID,
		AccessToken: "stale-token",
		Expiry:      time.Now().Add(-time.Hour),
	}

	p := newTestProvider(st, "http://unused.invalid/token")
	_, err := p.GetValidCredential(context.Background(), accountID)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestGetValidCredential_CachesAcrossCalls(t *testing.T) {
	st := newTokenStore()
	accountID := uuid.New()
	st.tokens[accountID] = &models.OAuthToken{
		AccountID:   accountID,
		AccessToken: "cached-token",
		Expiry:      time.Now().Add(time.Hour),
	}

	p := newTestProvider(st, "http://unused.invalid/token")
	_, err := p.GetValidCredential(context.Background(), accountID)
	require.NoError(t, err)

	// Breaking the store proves the second call is served from cache.
	st.mu.Lock()
	delete(st.tokens, accountID)
	st.mu.Unlock()

	cred, err := p.GetValidCredential(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", cred)
}
