// Package billing answers plan limit checks and records per-turn usage.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
)

// Ledger meters usage against plan limits over calendar-month periods
type Ledger struct {
	store store.UsageStore
	now   func() time.Time
}

// NewLedger creates a ledger over a usage store
func NewLedger(s store.UsageStore) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// PeriodStart returns the start of the billing period containing t (UTC month)
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckLimit decides whether a client at current usage may consume more of
// metric. Metrics without a limit are always allowed.
func (l *Ledger) CheckLimit(plan *model.Plan, metric string, current int64) model.LimitDecision {
	limit := plan.Limit(metric)
	if limit == model.Unlimited {
		return model.LimitDecision{Allowed: true, Remaining: model.Unlimited, Limit: model.Unlimited}
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	exceeded := current >= limit
	return model.LimitDecision{
		Allowed:   !exceeded,
		Remaining: remaining,
		Limit:     limit,
		Exceeded:  exceeded,
	}
}

// CurrentUsage sums a metric over the current billing period
func (l *Ledger) CurrentUsage(ctx context.Context, clientID, metric string) (int64, error) {
	v, err := l.store.UsageSince(ctx, clientID, metric, PeriodStart(l.now()))
	if err != nil {
		return 0, model.E(model.KindTransientIO, "billing.usage", err)
	}
	return v, nil
}

// Check looks up current usage and applies the plan limit
func (l *Ledger) Check(ctx context.Context, clientID string, plan *model.Plan, metric string) (model.LimitDecision, error) {
	if plan.Limit(metric) == model.Unlimited {
		return l.CheckLimit(plan, metric, 0), nil
	}
	current, err := l.CurrentUsage(ctx, clientID, metric)
	if err != nil {
		return model.LimitDecision{}, err
	}
	return l.CheckLimit(plan, metric, current), nil
}

// CheckAll checks every metric and returns an error of kind
// KindLimitExceeded naming the first exhausted one
func (l *Ledger) CheckAll(ctx context.Context, clientID string, plan *model.Plan, metrics ...string) error {
	for _, metric := range metrics {
		decision, err := l.Check(ctx, clientID, plan, metric)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			log.Log.Warnf("[Billing] 🚫 Limit reached | ClientID: %s | Metric: %s | Limit: %d", clientID, metric, decision.Limit)
			return model.E(model.KindLimitExceeded, "billing.check", &LimitError{Metric: metric, Limit: decision.Limit})
		}
	}
	return nil
}

// Record stores what one turn consumed
func (l *Ledger) Record(ctx context.Context, clientID string, rec model.UsageRecord) error {
	if clientID == "" {
		return model.E(model.KindValidation, "billing.record", errors.New("client id is required"))
	}
	if err := l.store.AddUsage(ctx, clientID, rec, l.now().UTC()); err != nil {
		return model.E(model.KindTransientIO, "billing.record", err)
	}
	log.Log.Debugf("[Billing] 🧾 Usage recorded | ClientID: %s | TokensIn: %d | TokensOut: %d | ToolCalls: %d | Cost: %.6f",
		clientID, rec.TokensIn, rec.TokensOut, rec.ToolCalls, rec.Cost)
	return nil
}

// LimitError names the exhausted metric
type LimitError struct {
	Metric string
	Limit  int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("plan limit reached for %s (limit %d)", e.Metric, e.Limit)
}
