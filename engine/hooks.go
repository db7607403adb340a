package engine

import (
	"context"
)

// ==================== Status Updates (per-request, via context) ====================

// StatusPhase represents a processing stage of a turn
type StatusPhase string

const (
	StatusReceived      StatusPhase = "received"       // message received
	StatusResolved      StatusPhase = "resolved"       // conversation resolved, user message stored
	StatusThinking      StatusPhase = "thinking"       // waiting for LLM response
	StatusToolExecuting StatusPhase = "tool_executing" // executing a tool
	StatusToolDone      StatusPhase = "tool_done"      // tool finished (any outcome)
	StatusEnded         StatusPhase = "ended"          // conversation closed by an end phrase
	StatusCompleted     StatusPhase = "completed"      // processing done
	StatusError         StatusPhase = "error"          // error occurred
)

// StatusUpdate carries real-time progress information
type StatusUpdate struct {
	ClientID       string
	ConversationID string
	Phase          StatusPhase
	Detail         string         // human-readable detail: tool name, outcome, error
	Metadata       map[string]any // extensible
}

// NotifyOption modifies a StatusUpdate before it is passed to the StatusFunc.
type NotifyOption func(*StatusUpdate)

// OptMetadata attaches a key/value to the StatusUpdate
func OptMetadata(key string, value any) NotifyOption {
	return func(s *StatusUpdate) {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		s.Metadata[key] = value
	}
}

// StatusFunc is a per-request callback for real-time status updates.
// It is passed via context so each request gets its own.
type StatusFunc func(status *StatusUpdate)

type statusCtxKey struct{}

// WithStatusFunc attaches a StatusFunc to the context.
func WithStatusFunc(ctx context.Context, fn StatusFunc) context.Context {
	return context.WithValue(ctx, statusCtxKey{}, fn)
}

// notifyStatus is safe to call even if no StatusFunc is set (no-op).
func notifyStatus(ctx context.Context, clientID, conversationID string, phase StatusPhase, detail string, opts ...NotifyOption) {
	if fn, ok := ctx.Value(statusCtxKey{}).(StatusFunc); ok && fn != nil {
		su := &StatusUpdate{
			ClientID:       clientID,
			ConversationID: conversationID,
			Phase:          phase,
			Detail:         detail,
		}
		for _, opt := range opts {
			opt(su)
		}
		fn(su)
	}
}
