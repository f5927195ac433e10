package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// taskItem is one action item lifted out of an agent response. Agents are
// free-form about shape, so parsing is permissive and extraction failures
// just produce zero items.
type taskItem struct {
	Title  string
	Detail string
}

// deriveTasks turns opportunity and CRO-optimizer outputs into action tasks.
// Best-effort by contract: an insert failure is logged and swallowed so the
// committed run is never failed retroactively by a side effect.
func (o *Orchestrator) deriveTasks(ctx context.Context, account *models.Account, staged []*stagedResult) {
	for _, sr := range staged {
		if sr.agentType != agent.TypeOpportunity && sr.agentType != agent.TypeCROOptimizer {
			continue
		}
		for _, item := range parseActionItems(sr.response) {
			err := o.store.CreateActionTask(ctx, &models.ActionTask{
				ID:          uuid.New(),
				AccountID:   account.ID,
				SourceAgent: sr.agentType,
				Title:       item.Title,
				Detail:      item.Detail,
				Status:      models.TaskOpen,
				CreatedAt:   o.now().UTC(),
			})
			if err != nil {
				slog.Warn("failed to create action task",
					"account_id", account.ID,
					"source_agent", sr.agentType,
					"title", item.Title,
					"error", err,
				)
			}
		}
	}
}

// parseActionItems accepts the item list shapes the agents have been seen to
// emit: a top-level array, or an object keyed "items", "recommendations",
// "actions", or "opportunities". Items are either plain strings or objects
// with title/detail-ish fields.
func parseActionItems(raw json.RawMessage) []taskItem {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil
		}
		for _, key := range []string{"items", "recommendations", "actions", "opportunities"} {
			if inner, ok := obj[key]; ok {
				if err := json.Unmarshal(inner, &arr); err == nil {
					break
				}
			}
		}
	}

	var items []taskItem
	for _, el := range arr {
		if item, ok := parseItem(el); ok {
			items = append(items, item)
		}
	}
	return items
}

func parseItem(el json.RawMessage) (taskItem, bool) {
	var s string
	if err := json.Unmarshal(el, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return taskItem{}, false
		}
		return taskItem{Title: s}, true
	}

	var obj struct {
		Title          string `json:"title"`
		Name           string `json:"name"`
		Detail         string `json:"detail"`
		Description    string `json:"description"`
		Recommendation string `json:"recommendation"`
	}
	if err := json.Unmarshal(el, &obj); err != nil {
		return taskItem{}, false
	}
	title := strings.TrimSpace(obj.Title)
	if title == "" {
		title = strings.TrimSpace(obj.Name)
	}
	if title == "" {
		title = strings.TrimSpace(obj.Recommendation)
	}
	if title == "" {
		return taskItem{}, false
	}
	detail := strings.TrimSpace(obj.Detail)
	if detail == "" {
		detail = strings.TrimSpace(obj.Description)
	}
	return taskItem{Title: title, Detail: detail}, true
}
