// Package lock provides mutual exclusion over opaque fingerprint keys so that a
// side-effecting tool call runs at most once at a time across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 60 * time.Second
	MaxTTL     = 300 * time.Second
)

// Locker acquires and releases keyed locks with a mandatory expiry.
//
// Acquire returns true only to the caller that created the lock. Release is
// idempotent and reports whether a lock was actually removed. When the backing
// store cannot be reached, Acquire returns false together with an error
// wrapping model.ErrLockUnavailable: callers must not run the guarded work.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) (bool, error)
	IsLocked(ctx context.Context, key string) (bool, error)
}

// Option configures a locker
type Option func(*options)

type options struct {
	defaultTTL time.Duration
	maxTTL     time.Duration
	prefix     string
}

// WithDefaultTTL sets the TTL used when Acquire is called with ttl <= 0
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.defaultTTL = ttl
		}
	}
}

// WithMaxTTL caps the TTL any caller may request
func WithMaxTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.maxTTL = ttl
		}
	}
}

// WithPrefix namespaces keys in the shared store
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func newOptions(opts []Option) options {
	o := options{defaultTTL: DefaultTTL, maxTTL: MaxTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxTTL < o.defaultTTL {
		o.maxTTL = o.defaultTTL
	}
	return o
}

// clampTTL applies the default to non-positive TTLs and the cap to long ones
func (o options) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return o.defaultTTL
	}
	if ttl > o.maxTTL {
		return o.maxTTL
	}
	return ttl
}

func (o options) key(k string) string {
	if o.prefix == "" {
		return k
	}
	return o.prefix + ":" + k
}

// releaseScript deletes the key only if it still carries our holder token, so a
// holder whose TTL lapsed cannot remove a lock that now belongs to someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX on a shared Redis
type RedisLocker struct {
	client redis.UniversalClient
	opts   options

	mu      sync.Mutex
	holders map[string]string // key -> holder token for locks this process created
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client redis.UniversalClient, opts ...Option) *RedisLocker {
	return &RedisLocker{
		client:  client,
		opts:    newOptions(opts),
		holders: make(map[string]string),
	}
}

// Acquire atomically sets the key if absent with the given expiry
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, model.E(model.KindValidation, "lock.acquire", errors.New("empty lock key"))
	}
	ttl = l.opts.clampTTL(ttl)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.opts.key(key), token, ttl).Result()
	if err != nil {
		log.Log.Warnf("[LockService] ⚠️  Acquire failed for %s, denying: %v", key, err)
		return false, model.E(model.KindTransientIO, "lock.acquire", fmt.Errorf("%w: %v", model.ErrLockUnavailable, err))
	}
	if !ok {
		log.Log.Debugf("[LockService] 🔒 Lock already held: %s", key)
		return false, nil
	}

	l.mu.Lock()
	l.holders[key] = token
	l.mu.Unlock()

	log.Log.Debugf("[LockService] 🔐 Acquired %s (ttl=%v)", key, ttl)
	return true, nil
}

// Release removes the lock. Locks created by this process are removed only
// while they still carry this process's token; other keys are deleted directly.
func (l *RedisLocker) Release(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	l.mu.Lock()
	token, held := l.holders[key]
	delete(l.holders, key)
	l.mu.Unlock()

	var (
		n   int64
		err error
	)
	if held {
		n, err = releaseScript.Run(ctx, l.client, []string{l.opts.key(key)}, token).Int64()
	} else {
		n, err = l.client.Del(ctx, l.opts.key(key)).Result()
	}
	if err != nil {
		return false, model.E(model.KindTransientIO, "lock.release", fmt.Errorf("%w: %v", model.ErrLockUnavailable, err))
	}

	if n > 0 {
		log.Log.Debugf("[LockService] 🔓 Released %s", key)
	}
	return n > 0, nil
}

// IsLocked reports whether the key is currently held by anyone
func (l *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.opts.key(key)).Result()
	if err != nil {
		return false, model.E(model.KindTransientIO, "lock.is_locked", fmt.Errorf("%w: %v", model.ErrLockUnavailable, err))
	}
	return n > 0, nil
}

// MemoryLocker implements Locker inside a single process. It is meant for
// development and tests where no shared store is configured.
type MemoryLocker struct {
	opts options
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	return &MemoryLocker{
		opts:  newOptions(opts),
		now:   time.Now,
		locks: make(map[string]time.Time),
	}
}

// Acquire sets the key if it is absent or expired
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, model.E(model.KindValidation, "lock.acquire", errors.New("empty lock key"))
	}
	ttl = l.opts.clampTTL(ttl)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.locks[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

// Release removes the key if it is held and not expired
func (l *MemoryLocker) Release(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.locks[key]
	delete(l.locks, key)
	return ok && l.now().Before(exp), nil
}

// IsLocked reports whether the key is held and not expired
func (l *MemoryLocker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.locks[key]
	if ok && !l.now().Before(exp) {
		delete(l.locks, key)
		return false, nil
	}
	return ok, nil
}
