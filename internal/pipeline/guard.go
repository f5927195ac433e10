package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// BlockingStatuses are the agent-result statuses that make a duplicate run
// pointless: a finished result, or a pending one still awaiting human
// review. Deliberately a set rather than just "success".
var BlockingStatuses = []string{models.AgentResultSuccess, models.AgentResultPending}

// Guard is the idempotency check run before any billable external call.
type Guard struct {
	store store.Store
}

func NewGuard(st store.Store) *Guard {
	return &Guard{store: st}
}

// HasExistingResult reports whether an acceptable result already exists for
// the (account, agent type, date range) tuple. Callers bypass the guard only
// through an explicit force flag, never implicitly.
func (g *Guard) HasExistingResult(ctx context.Context, accountID uuid.UUID, agentType string, r Range, statuses []string) (bool, error) {
	return g.store.HasAgentResult(ctx, accountID, agentType, r.Start, r.End, statuses)
}
