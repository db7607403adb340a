package engine

import (
	"context"
	"strings"
	"time"

	"github.com/ghiac/agentdesk/lock"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
)

// formatToolCallsContent builds display text for an assistant turn that only requested tools.
// Example: "[Tool Calls: get_order_status]" or "[Tool Calls: get_order_status, cancel_order]"
func formatToolCallsContent(calls []model.ToolCall) string {
	if len(calls) == 0 {
		return "[Tool Calls: 0]"
	}
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	if len(names) == 0 {
		return "[Tool Calls: (no name)]"
	}
	return "[Tool Calls: " + strings.Join(names, ", ") + "]"
}

// ToolCallPersister writes the tool call audit trail. Persistence failures are
// logged and never fail the turn. A nil persister is a no-op.
type ToolCallPersister struct {
	store  store.ToolCallStore
	logger string // prefix for log messages
	now    func() time.Time
}

// NewToolCallPersister creates a persister. Returns nil when s is nil (logs a warning).
func NewToolCallPersister(s store.ToolCallStore, logPrefix string) *ToolCallPersister {
	if s == nil {
		log.Log.Warnf("[%s] tool call store is nil; tool calls will not be audited", logPrefix)
		return nil
	}
	return &ToolCallPersister{store: s, logger: logPrefix, now: time.Now}
}

// Save records a requested call as pending. Returns false when the write failed.
func (p *ToolCallPersister) Save(ctx context.Context, conv *model.Conversation, call model.ToolCall, args map[string]any) bool {
	return p.put(ctx, conv, call, args, model.ToolOutcomePending, "")
}

// SaveOutcome records a call that never reached execution (invalid arguments, unknown tool)
func (p *ToolCallPersister) SaveOutcome(ctx context.Context, conv *model.Conversation, call model.ToolCall, outcome model.ToolOutcome, response string) bool {
	return p.put(ctx, conv, call, call.Arguments, outcome, response)
}

func (p *ToolCallPersister) put(ctx context.Context, conv *model.Conversation, call model.ToolCall, args map[string]any, outcome model.ToolOutcome, response string) bool {
	if p == nil || p.store == nil {
		return false
	}

	canonical, err := lock.CanonicalJSON(args)
	if err != nil {
		canonical = "{}"
	}
	now := p.now().UTC()
	rec := &model.ToolCallRecord{
		CallID:         call.ID,
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		Name:           call.Name,
		Arguments:      canonical,
		Provenance:     call.Provenance,
		Outcome:        outcome,
		Response:       response,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := p.store.PutToolCall(ctx, rec); err != nil {
		log.Log.Warnf("[%s] ⚠️  Failed to save tool call | CallID: %s | Tool: %s | Error: %v",
			p.logger, call.ID, call.Name, err)
		return false
	}

	log.Log.Debugf("[%s] 🔧 Tool call saved | CallID: %s | Tool: %s | Outcome: %s",
		p.logger, call.ID, call.Name, outcome)
	return true
}

// Update stores the final outcome of a saved call. Does nothing if callID is empty.
func (p *ToolCallPersister) Update(ctx context.Context, callID string, outcome model.ToolOutcome, response string, d time.Duration) {
	if p == nil || p.store == nil || callID == "" {
		return
	}

	if err := p.store.UpdateToolCallOutcome(ctx, callID, outcome, response, d.Milliseconds()); err != nil {
		log.Log.Warnf("[%s] ⚠️  Failed to update tool call outcome | CallID: %s | Error: %v",
			p.logger, callID, err)
	} else {
		log.Log.Debugf("[%s] ✅ Tool call outcome updated | CallID: %s | Outcome: %s", p.logger, callID, outcome)
	}
}

// IsAvailable returns true if the persister can save tool calls.
func (p *ToolCallPersister) IsAvailable() bool {
	return p != nil && p.store != nil
}
