// Package cache stores each conversation's rolling context window in a fast
// shared store. The cache is never authoritative: callers rebuild from the
// durable message history on any miss or error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an untouched context window stays cached
const DefaultTTL = time.Hour

// ContextCache reads and writes context windows keyed by session cache key.
// Get returns model.ErrCacheMiss when no live entry exists. Update appends
// turns to an existing entry whose snapshot equals prev and moves it to
// snapshot. It returns model.ErrCacheMiss instead of creating a partial window
// when the entry is gone, and drops the entry when it holds another snapshot.
type ContextCache interface {
	Get(ctx context.Context, key string) (*model.ContextWindow, error)
	Set(ctx context.Context, key string, window *model.ContextWindow, ttl time.Duration) error
	Update(ctx context.Context, key string, patch []model.ContextMessage, prev, snapshot int) error
	Delete(ctx context.Context, key string) error
}

// Meta is the cache-metadata record stored next to each window
type Meta struct {
	ConversationID string
	Snapshot       int
	CachedAt       time.Time
	Version        int64
}

// RedisOption configures a RedisCache
type RedisOption func(*RedisCache)

// WithTTL sets the TTL applied by Update and by Set when called with ttl <= 0
func WithTTL(ttl time.Duration) RedisOption {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrefix sets the key prefix for Redis keys. Default is "agentdesk".
func WithPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

// RedisCache keeps a window as a list of JSON-encoded messages plus a hash of
// metadata. Both keys share one TTL.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed context cache
func NewRedisCache(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	c := &RedisCache{
		client: client,
		ttl:    DefaultTTL,
		prefix: "agentdesk",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) listKey(key string) string {
	return c.prefix + ":ctx:" + key
}

func (c *RedisCache) metaKey(key string) string {
	return c.prefix + ":ctxmeta:" + key
}

// Get returns the cached window for key
func (c *RedisCache) Get(ctx context.Context, key string) (*model.ContextWindow, error) {
	var (
		rangeCmd *redis.StringSliceCmd
		metaCmd  *redis.MapStringStringCmd
	)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, c.listKey(key), 0, -1)
		metaCmd = pipe.HGetAll(ctx, c.metaKey(key))
		return nil
	})
	if err != nil {
		return nil, model.E(model.KindTransientIO, "cache.get", fmt.Errorf("redis pipeline failed: %w", err))
	}

	fields := metaCmd.Val()
	if len(fields) == 0 {
		return nil, model.ErrCacheMiss
	}
	meta := parseMeta(fields)

	window := &model.ContextWindow{
		ConversationID: meta.ConversationID,
		Snapshot:       meta.Snapshot,
		Messages:       make([]model.ContextMessage, 0, len(rangeCmd.Val())),
	}
	for _, raw := range rangeCmd.Val() {
		var msg model.ContextMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// A corrupt entry is treated as absent so the caller rebuilds it
			log.Log.Warnf("[ContextCache] ⚠️  Corrupt cached message for %s, dropping entry: %v", key, err)
			_ = c.Delete(ctx, key)
			return nil, model.ErrCacheMiss
		}
		window.Messages = append(window.Messages, msg)
	}
	return window, nil
}

// Set replaces the cached window for key
func (c *RedisCache) Set(ctx context.Context, key string, window *model.ContextWindow, ttl time.Duration) error {
	if window == nil {
		return model.E(model.KindValidation, "cache.set", errors.New("nil context window"))
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	values, err := encodeMessages(window.Messages)
	if err != nil {
		return model.E(model.KindInternal, "cache.set", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.listKey(key))
		if len(values) > 0 {
			pipe.RPush(ctx, c.listKey(key), values...)
			pipe.Expire(ctx, c.listKey(key), ttl)
		}
		pipe.Del(ctx, c.metaKey(key))
		pipe.HSet(ctx, c.metaKey(key),
			"conversation_id", window.ConversationID,
			"snapshot", window.Snapshot,
			"cached_at", time.Now().UTC().Format(time.RFC3339Nano),
			"version", 1,
		)
		pipe.Expire(ctx, c.metaKey(key), ttl)
		return nil
	})
	if err != nil {
		return model.E(model.KindTransientIO, "cache.set", fmt.Errorf("redis transaction failed: %w", err))
	}
	return nil
}

// errSnapshotMismatch aborts a merge into a window that missed earlier turns
var errSnapshotMismatch = errors.New("cached snapshot does not match")

// Update appends patch to an existing window and records the new snapshot.
// The metadata key is watched so a concurrent Delete or expiry aborts the merge.
func (c *RedisCache) Update(ctx context.Context, key string, patch []model.ContextMessage, prev, snapshot int) error {
	values, err := encodeMessages(patch)
	if err != nil {
		return model.E(model.KindInternal, "cache.update", err)
	}

	listKey, metaKey := c.listKey(key), c.metaKey(key)
	txf := func(tx *redis.Tx) error {
		cached, err := tx.HGet(ctx, metaKey, "snapshot").Result()
		if errors.Is(err, redis.Nil) {
			return model.ErrCacheMiss
		}
		if err != nil {
			return err
		}
		if n, convErr := strconv.Atoi(cached); convErr != nil || n != prev {
			return errSnapshotMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(values) > 0 {
				pipe.RPush(ctx, listKey, values...)
				pipe.Expire(ctx, listKey, c.ttl)
			}
			pipe.HSet(ctx, metaKey, "snapshot", snapshot, "cached_at", time.Now().UTC().Format(time.RFC3339Nano))
			pipe.HIncrBy(ctx, metaKey, "version", 1)
			pipe.Expire(ctx, metaKey, c.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = c.client.Watch(ctx, txf, metaKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrCacheMiss):
		return model.ErrCacheMiss
	case errors.Is(err, errSnapshotMismatch):
		log.Log.Debugf("[ContextCache] 🔄 Dropping %s: cached window is not at snapshot %d", key, prev)
		if delErr := c.Delete(ctx, key); delErr != nil {
			return delErr
		}
		return model.ErrCacheMiss
	default:
		return model.E(model.KindTransientIO, "cache.update", fmt.Errorf("redis transaction failed: %w", err))
	}
}

// Delete removes the cached window. Deleting an absent key is not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.listKey(key), c.metaKey(key)).Err(); err != nil {
		return model.E(model.KindTransientIO, "cache.delete", fmt.Errorf("redis del failed: %w", err))
	}
	return nil
}

// Meta returns the metadata record for key
func (c *RedisCache) Meta(ctx context.Context, key string) (*Meta, error) {
	fields, err := c.client.HGetAll(ctx, c.metaKey(key)).Result()
	if err != nil {
		return nil, model.E(model.KindTransientIO, "cache.meta", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrCacheMiss
	}
	meta := parseMeta(fields)
	return &meta, nil
}

func parseMeta(fields map[string]string) Meta {
	meta := Meta{ConversationID: fields["conversation_id"]}
	meta.Snapshot, _ = strconv.Atoi(fields["snapshot"])
	meta.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	meta.CachedAt, _ = time.Parse(time.RFC3339Nano, fields["cached_at"])
	return meta
}

func encodeMessages(msgs []model.ContextMessage) ([]any, error) {
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal context message: %w", err)
		}
		values = append(values, string(b))
	}
	return values, nil
}

// MemoryCache is an in-process ContextCache used when no Redis is configured
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	window  model.ContextWindow
	expires time.Time
}

// NewMemoryCache creates an in-process cache with the given default TTL
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]*memoryEntry)}
}

func (c *MemoryCache) live(key string) (*memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Get returns a copy of the cached window
func (c *MemoryCache) Get(_ context.Context, key string) (*model.ContextWindow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if !ok {
		return nil, model.ErrCacheMiss
	}
	w := e.window
	w.Messages = append([]model.ContextMessage(nil), e.window.Messages...)
	return &w, nil
}

// Set stores a copy of window
func (c *MemoryCache) Set(_ context.Context, key string, window *model.ContextWindow, ttl time.Duration) error {
	if window == nil {
		return model.E(model.KindValidation, "cache.set", errors.New("nil context window"))
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	w := *window
	w.Messages = append([]model.ContextMessage(nil), window.Messages...)

	c.mu.Lock()
	c.entries[key] = &memoryEntry{window: w, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Update appends patch to a live entry at snapshot prev
func (c *MemoryCache) Update(_ context.Context, key string, patch []model.ContextMessage, prev, snapshot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if !ok {
		return model.ErrCacheMiss
	}
	if e.window.Snapshot != prev {
		delete(c.entries, key)
		return model.ErrCacheMiss
	}
	e.window.Messages = append(e.window.Messages, patch...)
	e.window.Snapshot = snapshot
	e.expires = c.now().Add(c.ttl)
	return nil
}

// Delete removes an entry
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
