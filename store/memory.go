package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/model"
)

type usageRow struct {
	clientID string
	rec      model.UsageRecord
	at       time.Time
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	active        map[string]string // clientID:sessionKey -> conversation id
	messages      map[string][]*model.Message
	usage         []usageRow
	toolCalls     map[string]*model.ToolCallRecord
	toolCallOrder []string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		active:        make(map[string]string),
		messages:      make(map[string][]*model.Message),
		toolCalls:     make(map[string]*model.ToolCallRecord),
	}
}

func sessionIndexKey(clientID, sessionKey string) string {
	return clientID + ":" + sessionKey
}

func copyConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	return &cp
}

// FindActiveBySession returns the active conversation for a session
func (s *MemoryStore) FindActiveBySession(_ context.Context, clientID, sessionKey string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[sessionIndexKey(clientID, sessionKey)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyConversation(s.conversations[id]), nil
}

// Create stores a new conversation
func (s *MemoryStore) Create(_ context.Context, conv *model.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	idx := sessionIndexKey(conv.ClientID, conv.SessionKey)
	if conv.IsActive() {
		if _, exists := s.active[idx]; exists {
			return ErrActiveExists
		}
		s.active[idx] = conv.ID
	}
	s.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// Get returns a conversation by id
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyConversation(c), nil
}

// End marks an active conversation as ended
func (s *MemoryStore) End(_ context.Context, id string, reason model.EndReason, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if !c.IsActive() {
		return false, nil
	}
	c.Status = model.ConversationEnded
	c.EndReason = reason
	c.EndedAt = at.UTC()
	delete(s.active, sessionIndexKey(c.ClientID, c.SessionKey))
	return true, nil
}

// FindInactiveSince returns active conversations idle since before t
func (s *MemoryStore) FindInactiveSince(_ context.Context, t time.Time) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Conversation
	for _, id := range s.active {
		c := s.conversations[id]
		if c.LastActivityAt.Before(t) {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

// AppendMessage stores a message and updates the conversation counters
func (s *MemoryStore) AppendMessage(_ context.Context, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return model.ErrNotFound
	}
	c.MessageCount++
	c.TokenCount += msg.Tokens
	c.LastActivityAt = msg.CreatedAt.UTC()
	msg.Seq = int64(c.MessageCount)

	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	return nil
}

// ListMessages returns a conversation's messages in insertion order
func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// AddUsage records usage for a client
func (s *MemoryStore) AddUsage(_ context.Context, clientID string, rec model.UsageRecord, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage = append(s.usage, usageRow{clientID: clientID, rec: rec, at: at.UTC()})
	return nil
}

// UsageSince sums a metric for a client since the given time
func (s *MemoryStore) UsageSince(_ context.Context, clientID, metric string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, row := range s.usage {
		if row.clientID == clientID && !row.at.Before(since) {
			total += usageValue(row.rec, metric)
		}
	}
	return total, nil
}

// PutToolCall stores or replaces a tool call record
func (s *MemoryStore) PutToolCall(_ context.Context, rec *model.ToolCallRecord) error {
	if rec == nil {
		return fmt.Errorf("tool call cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.toolCalls[rec.CallID]; !exists {
		s.toolCallOrder = append(s.toolCallOrder, rec.CallID)
	}
	cp := *rec
	s.toolCalls[rec.CallID] = &cp
	return nil
}

// UpdateToolCallOutcome sets the outcome and response of a tool call
func (s *MemoryStore) UpdateToolCallOutcome(_ context.Context, callID string, outcome model.ToolOutcome, response string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.toolCalls[callID]
	if !ok {
		return model.ErrNotFound
	}
	rec.Outcome = outcome
	rec.Response = response
	rec.DurationMs = durationMs
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListToolCalls returns a conversation's tool calls in insertion order
func (s *MemoryStore) ListToolCalls(_ context.Context, conversationID string) ([]*model.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ToolCallRecord
	for _, id := range s.toolCallOrder {
		if rec := s.toolCalls[id]; rec.ConversationID == conversationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
