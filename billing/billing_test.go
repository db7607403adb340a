package billing

import (
	"context"
	"testing"
	"time"

	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLimit(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())
	plan := &model.Plan{Name: "starter", Limits: map[string]int64{model.MetricMessages: 100}}

	d := l.CheckLimit(plan, model.MetricMessages, 40)
	assert.Equal(t, model.LimitDecision{Allowed: true, Remaining: 60, Limit: 100}, d)

	d = l.CheckLimit(plan, model.MetricMessages, 100)
	assert.False(t, d.Allowed)
	assert.True(t, d.Exceeded)
	assert.Equal(t, int64(0), d.Remaining)

	d = l.CheckLimit(plan, model.MetricMessages, 150)
	assert.Equal(t, int64(0), d.Remaining)

	d = l.CheckLimit(plan, model.MetricTokens, 1_000_000)
	assert.True(t, d.Allowed)
	assert.Equal(t, model.Unlimited, d.Remaining)
	assert.Equal(t, model.Unlimited, d.Limit)

	zero := &model.Plan{Limits: map[string]int64{model.MetricToolCalls: 0}}
	assert.False(t, l.CheckLimit(zero, model.MetricToolCalls, 0).Allowed)
}

func TestLedger_RecordAndPeriod(t *testing.T) {
	s := store.NewMemoryStore()
	l := NewLedger(s)
	ctx := context.Background()

	// usage from last month does not count
	l.now = func() time.Time { return time.Date(2026, 9, 30, 23, 0, 0, 0, time.UTC) }
	require.NoError(t, l.Record(ctx, "acme", model.UsageRecord{TokensIn: 500, TokensOut: 500, ToolCalls: 1}))

	l.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, l.Record(ctx, "acme", model.UsageRecord{TokensIn: 10, TokensOut: 5, ToolCalls: 2}))
	require.NoError(t, l.Record(ctx, "acme", model.UsageRecord{TokensIn: 1, TokensOut: 1}))
	require.NoError(t, l.Record(ctx, "globex", model.UsageRecord{TokensIn: 99}))

	msgs, err := l.CurrentUsage(ctx, "acme", model.MetricMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(2), msgs)

	tokens, err := l.CurrentUsage(ctx, "acme", model.MetricTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(17), tokens)

	calls, err := l.CurrentUsage(ctx, "acme", model.MetricToolCalls)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls)

	assert.Equal(t, model.KindValidation, model.KindOf(l.Record(ctx, "", model.UsageRecord{})))
}

func TestLedger_CheckAll(t *testing.T) {
	l := NewLedger(store.NewMemoryStore())
	ctx := context.Background()
	plan := &model.Plan{Limits: map[string]int64{model.MetricMessages: 2, model.MetricTokens: 1000}}

	require.NoError(t, l.CheckAll(ctx, "acme", plan, model.MetricMessages, model.MetricTokens))

	require.NoError(t, l.Record(ctx, "acme", model.UsageRecord{TokensIn: 1}))
	require.NoError(t, l.Record(ctx, "acme", model.UsageRecord{TokensIn: 1}))

	err := l.CheckAll(ctx, "acme", plan, model.MetricMessages, model.MetricTokens)
	require.Error(t, err)
	assert.Equal(t, model.KindLimitExceeded, model.KindOf(err))
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, model.MetricMessages, limitErr.Metric)
}

func TestPeriodStart(t *testing.T) {
	got := PeriodStart(time.Date(2026, 2, 28, 23, 59, 0, 0, time.FixedZone("x", -5*3600)))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got, "period follows the UTC calendar")
}

func TestCatalogPlans(t *testing.T) {
	cat := &config.Catalog{
		Plans: []model.Plan{
			{Name: "free", Limits: map[string]int64{model.MetricMessages: 50}},
			{Name: "pro", AIMode: model.AIModeAdaptive},
		},
		Clients: []config.ClientCatalog{{ID: "acme", Plan: "pro"}},
	}
	ctx := context.Background()

	plans, err := NewCatalogPlans(cat, "free")
	require.NoError(t, err)

	p, err := plans.PlanFor(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.AIModeAdaptive, p.Mode())

	p, err = plans.PlanFor(ctx, "unknown-client")
	require.NoError(t, err)
	assert.Equal(t, "free", p.Name)

	strict, err := NewCatalogPlans(cat, "")
	require.NoError(t, err)
	_, err = strict.PlanFor(ctx, "unknown-client")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	_, err = NewCatalogPlans(cat, "gold")
	assert.Error(t, err)
}
