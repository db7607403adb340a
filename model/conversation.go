package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

// EndReason records why a conversation left the active state
type EndReason string

const (
	EndReasonNone       EndReason = ""
	EndReasonExplicit   EndReason = "explicit"
	EndReasonPhrase     EndReason = "phrase"
	EndReasonInactivity EndReason = "inactivity"
)

// Conversation is one run of messages between a client's end user and the assistant.
// At most one active conversation exists per (ClientID, SessionKey).
type Conversation struct {
	ID         string
	ClientID   string
	SessionKey string
	Status     ConversationStatus
	EndReason  EndReason

	StartedAt      time.Time
	EndedAt        time.Time
	LastActivityAt time.Time

	// Rolling counters, updated together with each message insert
	MessageCount int
	TokenCount   int
}

// NewConversation creates an active conversation for a client session
func NewConversation(clientID, sessionKey string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:             generateConversationID(),
		ClientID:       clientID,
		SessionKey:     sessionKey,
		Status:         ConversationActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// IsActive reports whether the conversation still accepts messages
func (c *Conversation) IsActive() bool {
	return c != nil && c.Status == ConversationActive
}

// SessionCacheKey is the key under which the conversation's context window is cached
func (c *Conversation) SessionCacheKey() string {
	return c.ClientID + ":" + c.SessionKey + ":" + c.ID
}

// generateConversationID generates a unique conversation ID
// Format: conv-{YYMMDD}-{uuid}
func generateConversationID() string {
	return "conv-" + time.Now().UTC().Format("060102") + "-" + uuid.NewString()
}
