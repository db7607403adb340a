package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
)

// DefaultBackupCooldown is how long a failed backup is skipped
const DefaultBackupCooldown = 2 * time.Minute

// Backup is a secondary completer tried when the primary fails
type Backup struct {
	Name      string
	Completer Completer
}

// FallbackCompleter calls the primary completer and, on a retryable failure,
// walks the backups in order. A backup that fails or answers empty is put in
// cooldown and skipped until the cooldown passes.
type FallbackCompleter struct {
	primary  Completer
	backups  []Backup
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewFallbackCompleter wraps primary with backups. With no backups the
// primary is returned unchanged.
func NewFallbackCompleter(primary Completer, cooldown time.Duration, backups ...Backup) Completer {
	if len(backups) == 0 {
		return primary
	}
	if cooldown <= 0 {
		cooldown = DefaultBackupCooldown
	}
	for i := range backups {
		if backups[i].Name == "" {
			backups[i].Name = fmt.Sprintf("backup-%d", i)
		}
	}
	return &FallbackCompleter{
		primary:   primary,
		backups:   backups,
		cooldown:  cooldown,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// Complete implements Completer
func (f *FallbackCompleter) Complete(ctx context.Context, messages []Message, tools []model.Tool) (*Completion, error) {
	out, err := f.primary.Complete(ctx, messages, tools)
	if err == nil {
		return out, nil
	}
	// only provider-side failures are worth another backend
	if !model.IsRetryable(err) || ctx.Err() != nil {
		return nil, err
	}
	log.Log.Warnf("[LLM] ⚠️  Primary completion failed, trying backups: %v", err)

	primaryErr := err
	for _, backup := range f.backups {
		if until, cooling := f.coolingUntil(backup.Name); cooling {
			log.Log.Infof("[LLM] ⏸️ Skipping backup %s (cooldown until %s)", backup.Name, until.Format(time.RFC3339))
			continue
		}

		log.Log.Infof("[LLM] 🔄 Trying backup %s | Messages: %d | Tools: %d", backup.Name, len(messages), len(tools))
		out, err := backup.Completer.Complete(ctx, messages, tools)
		if err == nil && (out.Text != "" || len(out.ToolCalls) > 0) {
			log.Log.Infof("[LLM] ✅ Backup %s answered | TokensIn: %d | TokensOut: %d", backup.Name, out.TokensIn, out.TokensOut)
			return out, nil
		}

		if err == nil {
			err = errors.New("empty completion")
		}
		f.startCooldown(backup.Name)
		log.Log.Warnf("[LLM] ❌ Backup %s failed, disabled for %s: %v", backup.Name, f.cooldown, err)
	}
	return nil, primaryErr
}

func (f *FallbackCompleter) coolingUntil(name string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.cooldowns[name]
	return until, ok && f.now().Before(until)
}

func (f *FallbackCompleter) startCooldown(name string) {
	f.mu.Lock()
	f.cooldowns[name] = f.now().Add(f.cooldown)
	f.mu.Unlock()
}
