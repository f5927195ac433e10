// Package agent calls the externally-hosted analysis agents. Agents are
// opaque webhooks: the invoker checks transport health and structural
// non-emptiness of the response, never the domain content.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Payload is the request body POSTed to every agent webhook.
type Payload struct {
	Agent          string         `json:"agent"`
	Domain         string         `json:"domain"`
	AccountID      uuid.UUID      `json:"accountId"`
	DateRange      DateRange      `json:"dateRange"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Invoker performs one HTTP call per agent invocation.
type Invoker interface {
	Invoke(ctx context.Context, agentType string, payload Payload) (json.RawMessage, error)
}

// Endpoints maps agent type to its webhook URL. A missing or empty entry
// means the agent is not configured for this deployment.
type Endpoints map[string]string

// HTTPInvoker implements Invoker over plain HTTP POST. Daily agents get the
// shorter timeout; monthly agents are slower and get the longer one.
type HTTPInvoker struct {
	endpoints      Endpoints
	client         *http.Client
	dailyTimeout   time.Duration
	monthlyTimeout time.Duration
}

// NewHTTPInvoker creates an invoker. The http.Client carries no timeout of
// its own; per-call deadlines are applied in Invoke by stage kind.
func NewHTTPInvoker(endpoints Endpoints, dailyTimeout, monthlyTimeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		endpoints:      endpoints,
		client:         &http.Client{},
		dailyTimeout:   dailyTimeout,
		monthlyTimeout: monthlyTimeout,
	}
}

// Agent types understood by the invoker. Daily runs one agent; the monthly
// chain runs three in a fixed order.
const (
	TypeDaily        = "daily"
	TypeSummary      = "monthly_summary"
	TypeOpportunity  = "monthly_opportunity"
	TypeCROOptimizer = "monthly_cro_optimizer"
	TypeRanking      = "ranking"
)

// IsMonthly reports whether an agent type belongs to the monthly chain.
func IsMonthly(agentType string) bool {
	switch agentType {
	case TypeSummary, TypeOpportunity, TypeCROOptimizer:
		return true
	}
	return false
}

func (inv *HTTPInvoker) Invoke(ctx context.Context, agentType string, payload Payload) (json.RawMessage, error) {
	endpoint := inv.endpoints[agentType]
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, agentType)
	}

	timeout := inv.dailyTimeout
	if IsMonthly(agentType) {
		timeout = inv.monthlyTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload.Agent = agentType
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal agent payload: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, classifyError(agentType, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s status %d", ErrUpstreamError, agentType, resp.StatusCode)
	}
	return json.RawMessage(raw), nil
}

// classifyError maps transport failures into the retry taxonomy.
func classifyError(agentType string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrUpstreamTimeout, agentType)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrUpstreamTimeout, agentType)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamError, agentType, err)
}

var _ Invoker = (*HTTPInvoker)(nil)
