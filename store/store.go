// Package store holds the durable record of conversations, messages, usage and
// tool calls. It is the source of truth: caches are rebuilt from it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ghiac/agentdesk/model"
)

// ErrActiveExists is returned by Create when the (client, session) pair
// already has an active conversation
var ErrActiveExists = errors.New("active conversation already exists for session")

// ConversationStore persists conversation records.
// Lookups by session ignore ended conversations.
type ConversationStore interface {
	// FindActiveBySession returns model.ErrNotFound when no active conversation exists
	FindActiveBySession(ctx context.Context, clientID, sessionKey string) (*model.Conversation, error)
	Create(ctx context.Context, conv *model.Conversation) error
	Get(ctx context.Context, id string) (*model.Conversation, error)

	// End moves an active conversation to ended. It reports false without error
	// when the conversation had already ended, and model.ErrNotFound when id is unknown.
	End(ctx context.Context, id string, reason model.EndReason, at time.Time) (bool, error)

	// FindInactiveSince lists active conversations whose last activity is before t
	FindInactiveSince(ctx context.Context, t time.Time) ([]*model.Conversation, error)
}

// MessageStore persists messages in insertion order
type MessageStore interface {
	// AppendMessage inserts msg, assigns msg.Seq and bumps the conversation's
	// counters and last activity in the same transaction
	AppendMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error)
}

// UsageStore persists per-turn usage for limit checks
type UsageStore interface {
	AddUsage(ctx context.Context, clientID string, rec model.UsageRecord, at time.Time) error

	// UsageSince sums one metric (model.MetricMessages, MetricTokens, MetricToolCalls)
	// over records at or after since
	UsageSince(ctx context.Context, clientID, metric string, since time.Time) (int64, error)
}

// ToolCallStore persists the audit trail of tool calls
type ToolCallStore interface {
	PutToolCall(ctx context.Context, rec *model.ToolCallRecord) error
	UpdateToolCallOutcome(ctx context.Context, callID string, outcome model.ToolOutcome, response string, durationMs int64) error
	ListToolCalls(ctx context.Context, conversationID string) ([]*model.ToolCallRecord, error)
}

// Store is everything a backend provides
type Store interface {
	ConversationStore
	MessageStore
	UsageStore
	ToolCallStore
	Close() error
}

// usageValue extracts a metric from one usage record. Each record is one turn.
func usageValue(rec model.UsageRecord, metric string) int64 {
	switch metric {
	case model.MetricMessages:
		return 1
	case model.MetricTokens:
		return int64(rec.TokensIn + rec.TokensOut)
	case model.MetricToolCalls:
		return int64(rec.ToolCalls)
	default:
		return 0
	}
}
