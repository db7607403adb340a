// Package conversation owns the conversation lifecycle: session resolution,
// end detection, context-window assembly and the inactivity sweep.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/cache"
	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/metrics"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Store is the durable storage the manager needs
type Store interface {
	store.ConversationStore
	store.MessageStore
}

// ManagerConfig holds lifecycle settings
type ManagerConfig struct {
	// InactivityThreshold is how long a conversation may stay idle before the sweep ends it
	InactivityThreshold time.Duration

	// CacheTTL is the TTL for rebuilt context windows
	CacheTTL time.Duration

	// SystemPrompt heads every context window
	SystemPrompt string

	// SweepConcurrency bounds parallel endings during a sweep
	SweepConcurrency int
}

// DefaultManagerConfig returns default configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InactivityThreshold: 15 * time.Minute,
		CacheTTL:            cache.DefaultTTL,
		SweepConcurrency:    8,
	}
}

// Manager coordinates durable conversation records with the context cache
type Manager struct {
	store   Store
	cache   cache.ContextCache
	phrases config.Phrases
	config  ManagerConfig
	metrics *metrics.Metrics
	now     func() time.Time

	rebuilds singleflight.Group
}

// NewManager creates a lifecycle manager. m may be nil.
func NewManager(s Store, c cache.ContextCache, phrases config.Phrases, cfg ManagerConfig, m *metrics.Metrics) *Manager {
	def := DefaultManagerConfig()
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = def.InactivityThreshold
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	return &Manager{
		store:   s,
		cache:   c,
		phrases: phrases,
		config:  cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Phrases returns the phrase tables the manager was built with
func (m *Manager) Phrases() config.Phrases {
	return m.phrases
}

// DetectConversationEnd applies the configured phrase tables to text
func (m *Manager) DetectConversationEnd(text string) bool {
	return DetectConversationEnd(text, m.phrases)
}

// DetectEscalation applies the configured escalation triggers to text
func (m *Manager) DetectEscalation(text string) bool {
	return DetectEscalation(text, m.phrases)
}

// ResolveConversation returns the active conversation for a session, creating
// one when none exists. created reports whether a new conversation was started.
func (m *Manager) ResolveConversation(ctx context.Context, clientID, sessionKey string) (conv *model.Conversation, created bool, err error) {
	if clientID == "" || sessionKey == "" {
		return nil, false, model.E(model.KindValidation, "conversation.resolve", errors.New("client id and session key are required"))
	}

	conv, err = m.store.FindActiveBySession(ctx, clientID, sessionKey)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, model.E(model.KindTransientIO, "conversation.resolve", err)
	}

	conv = model.NewConversation(clientID, sessionKey)
	conv.StartedAt = m.now().UTC()
	conv.LastActivityAt = conv.StartedAt
	err = m.store.Create(ctx, conv)
	if errors.Is(err, store.ErrActiveExists) {
		// Lost a race with a concurrent first message on the same session
		conv, err = m.store.FindActiveBySession(ctx, clientID, sessionKey)
		if err != nil {
			return nil, false, model.E(model.KindTransientIO, "conversation.resolve", err)
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, model.E(model.KindTransientIO, "conversation.resolve", err)
	}

	m.metrics.ConversationStarted()
	log.Log.Infof("[Lifecycle] 🆕 Conversation started | ConversationID: %s | ClientID: %s", conv.ID, clientID)
	return conv, true, nil
}

// CreateConversation explicitly opens a conversation for a session. An already
// active conversation is returned as is.
func (m *Manager) CreateConversation(ctx context.Context, clientID, sessionKey string) (*model.Conversation, error) {
	conv, _, err := m.ResolveConversation(ctx, clientID, sessionKey)
	return conv, err
}

// EndConversation moves a conversation to ended and drops its cached window.
// Ending an already ended conversation returns false and no error.
func (m *Manager) EndConversation(ctx context.Context, id string, reason model.EndReason) (bool, error) {
	conv, err := m.store.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, model.E(model.KindNotFound, "conversation.end", fmt.Errorf("conversation %s: %w", id, err))
	}
	if err != nil {
		return false, model.E(model.KindTransientIO, "conversation.end", err)
	}

	ended, err := m.store.End(ctx, id, reason, m.now())
	if errors.Is(err, model.ErrNotFound) {
		return false, model.E(model.KindNotFound, "conversation.end", fmt.Errorf("conversation %s: %w", id, err))
	}
	if err != nil {
		return false, model.E(model.KindTransientIO, "conversation.end", err)
	}
	if !ended {
		log.Log.Debugf("[Lifecycle] ⏭️  Conversation already ended | ConversationID: %s", id)
		return false, nil
	}

	if err := m.cache.Delete(ctx, conv.SessionCacheKey()); err != nil {
		log.Log.Warnf("[Lifecycle] ⚠️  Failed to drop cached context for %s: %v", id, err)
	}
	m.metrics.ConversationEnded(string(reason))
	log.Log.Infof("[Lifecycle] 🏁 Conversation ended | ConversationID: %s | Reason: %s", id, reason)
	return true, nil
}

// RecordMessage appends a message to the durable history and merges it into
// the cached context window. conv's counters are updated in place.
func (m *Manager) RecordMessage(ctx context.Context, conv *model.Conversation, role model.Role, content string, tokens int, metadata map[string]any) (*model.Message, error) {
	msg := model.NewMessage(conv.ID, role, content, tokens)
	msg.CreatedAt = m.now().UTC()
	msg.Metadata = metadata

	if err := m.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.E(model.KindNotFound, "conversation.record", err)
		}
		return nil, model.E(model.KindTransientIO, "conversation.record", err)
	}

	conv.MessageCount = int(msg.Seq)
	conv.TokenCount += tokens
	conv.LastActivityAt = msg.CreatedAt

	var patch []model.ContextMessage
	if role.InContext() {
		patch = []model.ContextMessage{{Role: role, Content: content}}
	}
	// the cached window may only advance from the message right before this one
	err := m.cache.Update(ctx, conv.SessionCacheKey(), patch, conv.MessageCount-1, conv.MessageCount)
	switch {
	case err == nil, errors.Is(err, model.ErrCacheMiss):
		// a missing window is rebuilt on the next load
	default:
		log.Log.Warnf("[Lifecycle] ⚠️  Context cache update failed for %s, dropping window: %v", conv.ID, err)
		if delErr := m.cache.Delete(ctx, conv.SessionCacheKey()); delErr != nil {
			log.Log.Warnf("[Lifecycle] ⚠️  Failed to drop context window for %s: %v", conv.ID, delErr)
		}
	}
	return msg, nil
}

// LoadContext returns the bounded context window for conv. The cache is used
// when its snapshot matches the durable message count; otherwise the window is
// rebuilt from history and written back. Cache failures never fail the load.
func (m *Manager) LoadContext(ctx context.Context, conv *model.Conversation) (*model.ContextWindow, error) {
	key := conv.SessionCacheKey()
	maxMessages := m.phrases.ContextMaxMessages

	window, err := m.cache.Get(ctx, key)
	switch {
	case err == nil && window.Snapshot == conv.MessageCount:
		m.metrics.CacheLookup("hit")
		window.Messages = ManageContextWindow(window.Messages, maxMessages)
		return window, nil
	case err == nil:
		m.metrics.CacheLookup("stale")
		log.Log.Debugf("[Lifecycle] 🔄 Stale context for %s (cached=%d durable=%d)", conv.ID, window.Snapshot, conv.MessageCount)
	case errors.Is(err, model.ErrCacheMiss):
		m.metrics.CacheLookup("miss")
	default:
		m.metrics.CacheLookup("error")
		log.Log.Warnf("[Lifecycle] ⚠️  Context cache unavailable for %s, rebuilding from store: %v", conv.ID, err)
	}

	v, err, _ := m.rebuilds.Do(key, func() (interface{}, error) {
		return m.rebuildContext(ctx, conv)
	})
	if err != nil {
		return nil, err
	}
	built := v.(*model.ContextWindow)

	// singleflight shares the result; hand each caller its own copy
	out := *built
	out.Messages = append([]model.ContextMessage(nil), built.Messages...)
	return &out, nil
}

func (m *Manager) rebuildContext(ctx context.Context, conv *model.Conversation) (*model.ContextWindow, error) {
	history, err := m.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, model.E(model.KindTransientIO, "conversation.load_context", err)
	}

	window := buildWindow(conv.ID, m.config.SystemPrompt, history, m.phrases.ContextMaxMessages)
	if err := m.cache.Set(ctx, conv.SessionCacheKey(), window, m.config.CacheTTL); err != nil {
		log.Log.Warnf("[Lifecycle] ⚠️  Failed to cache rebuilt context for %s: %v", conv.ID, err)
	}
	return window, nil
}

// History returns every stored message of a conversation in order
func (m *Manager) History(ctx context.Context, conversationID string) ([]*model.Message, error) {
	if _, err := m.store.Get(ctx, conversationID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.E(model.KindNotFound, "conversation.history", fmt.Errorf("conversation %s: %w", conversationID, err))
		}
		return nil, model.E(model.KindTransientIO, "conversation.history", err)
	}

	msgs, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, model.E(model.KindTransientIO, "conversation.history", err)
	}
	return msgs, nil
}

// SweepResult reports what one inactivity sweep did
type SweepResult struct {
	// Ended lists the conversations this sweep moved to ended
	Ended []string

	// Failed maps conversation ids to the error that stopped them from ending
	Failed map[string]error
}

// Count is the number of conversations the sweep ended
func (r SweepResult) Count() int {
	return len(r.Ended)
}

// AutoEndInactive ends every active conversation idle longer than the
// inactivity threshold. Each conversation is ended independently: failures are
// collected in the result and do not stop the sweep. The returned error is set
// only when the inactive conversations could not be listed.
func (m *Manager) AutoEndInactive(ctx context.Context) (SweepResult, error) {
	result := SweepResult{Failed: map[string]error{}}

	threshold := m.now().Add(-m.config.InactivityThreshold)
	stale, err := m.store.FindInactiveSince(ctx, threshold)
	if err != nil {
		return result, model.E(model.KindTransientIO, "conversation.sweep", err)
	}
	if len(stale) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.config.SweepConcurrency)
	for _, conv := range stale {
		id := conv.ID
		g.Go(func() error {
			ended, err := m.EndConversation(ctx, id, model.EndReasonInactivity)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed[id] = err
				log.Log.Errorf("[Lifecycle] ❌ Failed to end inactive conversation %s: %v", id, err)
			case ended:
				result.Ended = append(result.Ended, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Log.Infof("[Lifecycle] 🧹 Inactivity sweep | Candidates: %d | Ended: %d | Failed: %d",
		len(stale), len(result.Ended), len(result.Failed))
	return result, nil
}
