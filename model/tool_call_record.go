package model

import "time"

// ToolOutcome is what happened to one requested tool call
type ToolOutcome string

const (
	ToolOutcomePending             ToolOutcome = "pending"
	ToolOutcomeExecuted            ToolOutcome = "executed"
	ToolOutcomeFailed              ToolOutcome = "failed"
	ToolOutcomeInvalid             ToolOutcome = "invalid"
	ToolOutcomeDuplicateSuppressed ToolOutcome = "duplicate_suppressed"
	ToolOutcomeLockUnavailable     ToolOutcome = "lock_unavailable"
)

// ToolCallRecord is the audit row kept for each tool call a turn requested
type ToolCallRecord struct {
	// CallID is the ToolCall.ID assigned during extraction
	CallID         string
	ConversationID string
	ClientID       string
	Name           string

	// Arguments is the canonical JSON of the arguments actually used
	Arguments  string
	Provenance Provenance
	Outcome    ToolOutcome

	// Response is the executor result or error text
	Response   string
	DurationMs int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
