package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleDebug     Role = "debug"
)

// Message represents a stored message. Messages are immutable once created and
// ordered by Seq, which the store assigns in insertion order.
type Message struct {
	// MessageID is a unique identifier for this message
	MessageID string

	// ConversationID identifies the conversation this message belongs to
	ConversationID string

	// Seq is the insertion position within the conversation (assigned by the store)
	Seq int64

	Role    Role
	Content string

	// Tokens is the token count of this message (0 when unknown)
	Tokens int

	// Metadata holds structured extras, e.g. a captured tool result
	Metadata map[string]any

	CreatedAt time.Time
}

// NewMessage creates a message for a conversation
func NewMessage(conversationID string, role Role, content string, tokens int) *Message {
	return &Message{
		MessageID:      "msg-" + uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      time.Now().UTC(),
	}
}

// ContextMessage is one role/content pair inside a context window
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ContextWindow is the bounded, ordered slice of history given to the reasoning backend.
// It is a derived view: the durable message sequence stays authoritative.
type ContextWindow struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []ContextMessage `json:"messages"`

	// Snapshot is the durable message count the window was built from
	Snapshot int `json:"snapshot"`
}

// InContext reports whether messages with this role are fed to the reasoning backend
func (r Role) InContext() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}
