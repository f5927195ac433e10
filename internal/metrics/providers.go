package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// httpProvider is the shared HTTP shape of all three upstream providers;
// they differ only in path layout and which account property identifies the
// resource.
type httpProvider struct {
	name     string
	baseURL  string
	client   *http.Client
	resource func(*models.Account) string
	path     string
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Fetch(ctx context.Context, credential string, account *models.Account, start, end time.Time) (json.RawMessage, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("%s provider not configured", p.name)
	}
	resource := p.resource(account)
	if resource == "" {
		return nil, fmt.Errorf("account %s has no %s resource", account.ID, p.name)
	}

	params := url.Values{
		"startDate": {start.Format("2006-01-02")},
		"endDate":   {end.Format("2006-01-02")},
	}
	u := fmt.Sprintf("%s%s?%s", p.baseURL, fmt.Sprintf(p.path, url.PathEscape(resource)), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s fetch: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s fetch: status %d", p.name, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s fetch: reading body: %w", p.name, err)
	}
	return json.RawMessage(raw), nil
}

// NewAnalyticsProvider fetches web-analytics metrics for the account's
// analytics property.
func NewAnalyticsProvider(cfg config.MetricsConfig) Provider {
	return &httpProvider{
		name:     "analytics",
		baseURL:  cfg.AnalyticsBaseURL,
		client:   &http.Client{Timeout: cfg.Timeout},
		resource: func(a *models.Account) string { return a.AnalyticsProperty },
		path:     "/v1/properties/%s/report",
	}
}

// NewSearchProvider fetches search-performance metrics for the account's
// verified site.
func NewSearchProvider(cfg config.MetricsConfig) Provider {
	return &httpProvider{
		name:     "search",
		baseURL:  cfg.SearchBaseURL,
		client:   &http.Client{Timeout: cfg.Timeout},
		resource: func(a *models.Account) string { return a.SearchSiteURL },
		path:     "/v1/sites/%s/searchanalytics",
	}
}

// NewBusinessProvider fetches business-profile metrics for the account's
// location.
func NewBusinessProvider(cfg config.MetricsConfig) Provider {
	return &httpProvider{
		name:     "business",
		baseURL:  cfg.BusinessBaseURL,
		client:   &http.Client{Timeout: cfg.Timeout},
		resource: func(a *models.Account) string { return a.BusinessLocationID },
		path:     "/v1/locations/%s/metrics",
	}
}
