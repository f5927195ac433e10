package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name string
	raw  json.RawMessage
	err  error
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Fetch(context.Context, string, *models.Account, time.Time, time.Time) (json.RawMessage, error) {
	return s.raw, s.err
}

func testAccount() *models.Account {
	return &models.Account{
		ID:                uuid.New(),
		Domain:            "example.com",
		AnalyticsProperty: "prop-123",
	}
}

func TestFetchMetrics_AllProvidersSucceed(t *testing.T) {
	src := NewMultiSource(
		&stubProvider{name: "analytics", raw: json.RawMessage(`{"sessions": 4}`)},
		&stubProvider{name: "search", raw: json.RawMessage(`{"clicks": 9}`)},
		&stubProvider{name: "business", raw: json.RawMessage(`{"views": 2}`)},
	)

	bundle, err := src.FetchMetrics(context.Background(), "tok", testAccount(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessions": 4}`, string(bundle.Analytics))
	assert.JSONEq(t, `{"clicks": 9}`, string(bundle.Search))
	assert.JSONEq(t, `{"views": 2}`, string(bundle.Business))
	assert.False(t, bundle.IsEmpty())
}

// One provider failing degrades that slot to nil instead of failing the
// whole fetch.
func TestFetchMetrics_ProviderFailureDegradesToNil(t *testing.T) {
	src := NewMultiSource(
		&stubProvider{name: "analytics", err: errors.New("quota exceeded")},
		&stubProvider{name: "search", raw: json.RawMessage(`{"clicks": 9}`)},
		&stubProvider{name: "business", err: errors.New("location suspended")},
	)

	bundle, err := src.FetchMetrics(context.Background(), "tok", testAccount(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, bundle.Analytics)
	assert.JSONEq(t, `{"clicks": 9}`, string(bundle.Search))
	assert.Nil(t, bundle.Business)
	assert.False(t, bundle.IsEmpty())
}

func TestFetchMetrics_AllFailedIsEmptyBundle(t *testing.T) {
	src := NewMultiSource(
		&stubProvider{name: "analytics", err: errors.New("down")},
		&stubProvider{name: "search", err: errors.New("down")},
		&stubProvider{name: "business", err: errors.New("down")},
	)

	bundle, err := src.FetchMetrics(context.Background(), "tok", testAccount(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.True(t, bundle.IsEmpty())
}

func TestHTTPProvider_Fetch(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"sessions": 17}`))
	}))
	defer srv.Close()

	p := NewAnalyticsProvider(config.MetricsConfig{
		AnalyticsBaseURL: srv.URL,
		Timeout:          5 * time.Second,
	})

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	raw, err := p.Fetch(context.Background(), "tok-abc", testAccount(), start, end)
	require.NoError(t, err)

	assert.JSONEq(t, `{"sessions": 17}`, string(raw))
	assert.Equal(t, "Bearer tok-abc", gotAuth)
	assert.Equal(t, "/v1/properties/prop-123/report", gotPath)
	assert.Contains(t, gotQuery, "startDate=2024-02-01")
	assert.Contains(t, gotQuery, "endDate=2024-02-29")
}

func TestHTTPProvider_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewAnalyticsProvider(config.MetricsConfig{AnalyticsBaseURL: srv.URL, Timeout: time.Second})
	_, err := p.Fetch(context.Background(), "tok", testAccount(), time.Now(), time.Now())
	assert.Error(t, err)
}

func TestHTTPProvider_MissingResource(t *testing.T) {
	p := NewSearchProvider(config.MetricsConfig{SearchBaseURL: "http://example.invalid", Timeout: time.Second})
	acct := testAccount() // no SearchSiteURL set
	_, err := p.Fetch(context.Background(), "tok", acct, time.Now(), time.Now())
	assert.Error(t, err)
}
