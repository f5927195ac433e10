// Package metrics fetches source metrics for an account from the three
// upstream providers behind a single facade. Provider-specific response
// shaping happens upstream; this package only needs "metrics for domain D,
// range [a,b]".
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nikhilpatil/agentflow/pkg/models"
)

// Bundle is the combined fetch result. A nil entry means that provider
// failed or is not configured for the account; the fetch as a whole still
// succeeds.
type Bundle struct {
	Analytics json.RawMessage `json:"analytics,omitempty"`
	Search    json.RawMessage `json:"search,omitempty"`
	Business  json.RawMessage `json:"business,omitempty"`
}

// IsEmpty reports whether every provider degraded to nil.
func (b *Bundle) IsEmpty() bool {
	return len(b.Analytics) == 0 && len(b.Search) == 0 && len(b.Business) == 0
}

// Provider is one upstream metrics API.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, credential string, account *models.Account, start, end time.Time) (json.RawMessage, error)
}

// Source fans a fetch out to all providers sequentially.
type Source interface {
	FetchMetrics(ctx context.Context, credential string, account *models.Account, start, end time.Time) (*Bundle, error)
}

// MultiSource implements Source over the three concrete providers. Per the
// degradation contract, a provider failure is logged and its slot left nil
// rather than aborting the whole fetch.
type MultiSource struct {
	analytics Provider
	search    Provider
	business  Provider
}

func NewMultiSource(analytics, search, business Provider) *MultiSource {
	return &MultiSource{analytics: analytics, search: search, business: business}
}

func (s *MultiSource) FetchMetrics(ctx context.Context, credential string, account *models.Account, start, end time.Time) (*Bundle, error) {
	bundle := &Bundle{}
	bundle.Analytics = s.fetchOne(ctx, s.analytics, credential, account, start, end)
	bundle.Search = s.fetchOne(ctx, s.search, credential, account, start, end)
	bundle.Business = s.fetchOne(ctx, s.business, credential, account, start, end)
	return bundle, nil
}

func (s *MultiSource) fetchOne(ctx context.Context, p Provider, credential string, account *models.Account, start, end time.Time) json.RawMessage {
	if p == nil {
		return nil
	}
	raw, err := p.Fetch(ctx, credential, account, start, end)
	if err != nil {
		slog.Warn("metrics provider failed, degrading to null",
			"provider", p.Name(),
			"account_id", account.ID,
			"domain", account.Domain,
			"error", err,
		)
		return nil
	}
	return raw
}

var _ Source = (*MultiSource)(nil)
