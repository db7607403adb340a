package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ghiac/agentdesk/billing"
	"github.com/ghiac/agentdesk/cache"
	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/conversation"
	"github.com/ghiac/agentdesk/llm"
	"github.com/ghiac/agentdesk/lock"
	"github.com/ghiac/agentdesk/metrics"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
	"github.com/ghiac/agentdesk/toolcall"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const systemPrompt = "You are a support assistant."

func orderTool() model.Tool {
	return model.Tool{
		Name:        "get_order_status",
		Description: "Look up the shipping status of an order",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order_id": map[string]any{"type": "string", "description": "Order number"},
			},
			"required": []any{"order_id"},
		},
	}
}

func testCatalog() *config.Catalog {
	return &config.Catalog{
		Plans: []model.Plan{
			{Name: "standard", InputTokenPrice: 1, OutputTokenPrice: 2},
			{Name: "adaptive", AIMode: model.AIModeAdaptive},
			{Name: "capped", Limits: map[string]int64{model.MetricMessages: 0}},
		},
		Clients: []config.ClientCatalog{
			{ID: "acme", Plan: "standard"},
			{ID: "smart", Plan: "adaptive"},
			{ID: "broke", Plan: "capped"},
		},
	}
}

// recordingCompleter remembers every request and answers through respond
type recordingCompleter struct {
	mu      sync.Mutex
	calls   []completerCall
	respond func(n int, msgs []llm.Message) (*llm.Completion, error)
}

type completerCall struct {
	msgs  []llm.Message
	tools []model.Tool
}

func (c *recordingCompleter) Complete(_ context.Context, msgs []llm.Message, tools []model.Tool) (*llm.Completion, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, completerCall{msgs: append([]llm.Message(nil), msgs...), tools: tools})
	c.mu.Unlock()
	return c.respond(n, msgs)
}

func (c *recordingCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func nativeCall(id string, args map[string]any) model.ToolCall {
	return model.ToolCall{ID: id, Name: "get_order_status", Arguments: args, Provenance: model.ProvenanceNative}
}

// toolThenText requests the order tool on the first completion and answers afterwards
func toolThenText(args map[string]any, answer string) *recordingCompleter {
	return &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{ToolCalls: []model.ToolCall{nativeCall("call_1", args)}, TokensIn: 10, TokensOut: 5}, nil
		}
		return &llm.Completion{Text: answer, TokensIn: 20, TokensOut: 8}, nil
	}}
}

type harness struct {
	d         *Dispatcher
	store     *store.MemoryStore
	registry  *toolcall.Registry
	ledger    *billing.Ledger
	metrics   *metrics.Metrics
	completer *recordingCompleter
	executed  *atomic.Int32
}

type harnessOption func(*Dependencies, *Config)

func okExecutor(executed *atomic.Int32) toolcall.Executor {
	return toolcall.ExecutorFunc(func(context.Context, model.Tool, map[string]any) (string, error) {
		executed.Add(1)
		return `{"status":"shipped"}`, nil
	})
}

func newHarness(t *testing.T, completer *recordingCompleter, opts ...harnessOption) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	m := metrics.New(nil)
	manager := conversation.NewManager(s, cache.NewMemoryCache(time.Hour), config.DefaultPhrases(),
		conversation.ManagerConfig{SystemPrompt: systemPrompt}, m)

	registry := toolcall.NewRegistry()
	require.NoError(t, registry.Register("acme", orderTool()))
	require.NoError(t, registry.Register("smart", orderTool()))

	plans, err := billing.NewCatalogPlans(testCatalog(), "standard")
	require.NoError(t, err)
	ledger := billing.NewLedger(s)

	executed := &atomic.Int32{}
	deps := Dependencies{
		Conversations: manager,
		Plans:         plans,
		Ledger:        ledger,
		Tools:         registry,
		Executor:      okExecutor(executed),
		Locker:        lock.NewMemoryLocker(),
		Completer:     completer,
		ToolCalls:     s,
		Metrics:       m,
	}
	cfg := DefaultConfig()
	cfg.UsageBackoff = time.Millisecond
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	d, err := NewDispatcher(deps, cfg)
	require.NoError(t, err)
	return &harness{d: d, store: s, registry: registry, ledger: ledger, metrics: m, completer: completer, executed: executed}
}

func (h *harness) roles(t *testing.T, conversationID string) []model.Role {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), conversationID)
	require.NoError(t, err)
	roles := make([]model.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	return roles
}

func (h *harness) usage(t *testing.T, clientID, metric string) int64 {
	t.Helper()
	v, err := h.ledger.CurrentUsage(context.Background(), clientID, metric)
	require.NoError(t, err)
	return v
}

func TestDispatcher_StandardNativeToolCall(t *testing.T) {
	h := newHarness(t, toolThenText(map[string]any{"order_id": "A-1001"}, "Your order A-1001 has shipped."))
	ctx := context.Background()

	res, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "Where is order A-1001?"})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, model.AIModeStandard, res.Mode)
	assert.Equal(t, "Your order A-1001 has shipped.", res.Response)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeExecuted, res.ToolCalls[0].Outcome)
	assert.Equal(t, int32(1), h.executed.Load())

	// user, tool result, assistant
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleTool, model.RoleAssistant}, h.roles(t, res.ConversationID))

	first := h.completer.calls[0]
	require.Len(t, first.msgs, 2)
	assert.Equal(t, model.RoleSystem, first.msgs[0].Role)
	assert.Equal(t, systemPrompt, first.msgs[0].Content)
	assert.Equal(t, "Where is order A-1001?", first.msgs[1].Content)
	assert.Len(t, first.tools, 1)

	second := h.completer.calls[1]
	assert.Nil(t, second.tools, "the follow-up answers without tools")
	last := second.msgs[len(second.msgs)-1]
	assert.Equal(t, model.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, `{"status":"shipped"}`, last.Content)
	assert.Equal(t, "[Tool Calls: get_order_status]", second.msgs[len(second.msgs)-2].Content)

	audit, err := h.store.ListToolCalls(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.ToolOutcomeExecuted, audit[0].Outcome)
	assert.Equal(t, `{"order_id":"A-1001"}`, audit[0].Arguments)

	assert.Equal(t, model.UsageRecord{TokensIn: 30, TokensOut: 13, ToolCalls: 1, Cost: res.Usage.Cost}, res.Usage)
	assert.InDelta(t, 0.056, res.Usage.Cost, 1e-9)
	assert.Equal(t, int64(1), h.usage(t, "acme", model.MetricMessages))
	assert.Equal(t, int64(43), h.usage(t, "acme", model.MetricTokens))
	assert.Equal(t, int64(1), h.usage(t, "acme", model.MetricToolCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ToolCalls.WithLabelValues("get_order_status", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockAcquisitions.WithLabelValues("acquired")))
}

func TestDispatcher_ExtractedToolCall(t *testing.T) {
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{Text: "Let me check that for you.\nUSE_TOOL: get_order_status\nPARAMETERS: {\"order_id\": \"A-1001\"}"}, nil
		}
		return &llm.Completion{Text: "Your order A-1001 has shipped."}, nil
	}}
	h := newHarness(t, completer, func(_ *Dependencies, cfg *Config) { cfg.NativeTools = false })

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "Where is order A-1001?"})
	require.NoError(t, err)
	assert.Equal(t, "Your order A-1001 has shipped.", res.Response)
	assert.Equal(t, int32(1), h.executed.Load())

	first := completer.calls[0]
	assert.Nil(t, first.tools, "declarations go into the prompt")
	require.Len(t, first.msgs, 3)
	assert.Equal(t, model.RoleSystem, first.msgs[1].Role)
	assert.Contains(t, first.msgs[1].Content, "USE_TOOL: <tool name>")
	assert.Equal(t, model.RoleUser, first.msgs[2].Role)

	last := completer.calls[1].msgs[len(completer.calls[1].msgs)-1]
	assert.Equal(t, model.RoleTool, last.Role)
	assert.Empty(t, last.ToolCallID)
	assert.Equal(t, `get_order_status: {"status":"shipped"}`, last.Content)

	audit, err := h.store.ListToolCalls(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.ProvenanceExtracted, audit[0].Provenance)
}

func TestDispatcher_PlainAnswer(t *testing.T) {
	completer := &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		return &llm.Completion{Text: "  Hello! How can I help?  ", TokensIn: 4, TokensOut: 6}, nil
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", res.Response)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 1, completer.count())

	// second turn reuses the conversation and sees the first exchange
	res2, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "what are your hours?"})
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.ConversationID, res2.ConversationID)
	msgs := completer.calls[1].msgs
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hello! How can I help?", msgs[2].Content)
	assert.Equal(t, int64(2), h.usage(t, "acme", model.MetricMessages))
}

func TestDispatcher_EmptyAnswerGetsDefaultReply(t *testing.T) {
	completer := &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		return &llm.Completion{Text: " \n\n "}, nil
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "globex", SessionKey: "s-1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, EmptyResponseReply, res.Response)
	assert.Empty(t, res.ToolCalls)
}

func TestDispatcher_InvalidArgumentsAreReportedToModel(t *testing.T) {
	h := newHarness(t, toolThenText(map[string]any{}, "Could you tell me your order number?"))

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is my order"})
	require.NoError(t, err)
	assert.Equal(t, "Could you tell me your order number?", res.Response)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeInvalid, res.ToolCalls[0].Outcome)
	assert.Contains(t, res.ToolCalls[0].Errors, "missing required parameter: order_id")
	assert.Equal(t, int32(0), h.executed.Load())

	last := h.completer.calls[1].msgs[len(h.completer.calls[1].msgs)-1]
	assert.True(t, strings.HasPrefix(last.Content, "Invalid arguments: missing required parameter: order_id"), last.Content)

	audit, err := h.store.ListToolCalls(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.ToolOutcomeInvalid, audit[0].Outcome)
	assert.Equal(t, int64(0), h.usage(t, "acme", model.MetricToolCalls))
}

func TestDispatcher_PlaceholderArgumentIsInvalid(t *testing.T) {
	h := newHarness(t, toolThenText(map[string]any{"order_id": "<order_id>"}, "Which order?"))

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "status please"})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeInvalid, res.ToolCalls[0].Outcome)
	assert.Equal(t, int32(0), h.executed.Load())
}

func TestDispatcher_UnknownTool(t *testing.T) {
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{ToolCalls: []model.ToolCall{{ID: "call_x", Name: "delete_everything", Provenance: model.ProvenanceNative}}}, nil
		}
		return &llm.Completion{Text: "I can't do that."}, nil
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "wipe my account"})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeInvalid, res.ToolCalls[0].Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ToolCalls.WithLabelValues("unknown", "invalid")))
}

func TestDispatcher_DuplicateCallIsSuppressed(t *testing.T) {
	args := map[string]any{"order_id": "A-1001"}
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		switch n {
		case 0:
			return &llm.Completion{Text: "Hi!"}, nil
		case 1:
			return &llm.Completion{ToolCalls: []model.ToolCall{nativeCall("call_2", args)}}, nil
		default:
			return &llm.Completion{Text: "I'm already checking that order."}, nil
		}
	}}
	locker := lock.NewMemoryLocker()
	h := newHarness(t, completer, func(deps *Dependencies, _ *Config) { deps.Locker = locker })
	ctx := context.Background()

	first, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "hello"})
	require.NoError(t, err)

	key, err := lock.Fingerprint(first.ConversationID, "get_order_status", args)
	require.NoError(t, err)
	held, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	res, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err, "a suppressed duplicate is not an error")
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeDuplicateSuppressed, res.ToolCalls[0].Outcome)
	assert.Equal(t, "I'm already checking that order.", res.Response)
	assert.Equal(t, int32(0), h.executed.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockAcquisitions.WithLabelValues("held")))

	locked, err := locker.IsLocked(ctx, key)
	require.NoError(t, err)
	assert.True(t, locked, "a suppressed call must not release someone else's lock")
}

func TestDispatcher_IdenticalNativeCallsInOneAnswerExecuteOnce(t *testing.T) {
	args := map[string]any{"order_id": "A-1001"}
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{ToolCalls: []model.ToolCall{
				nativeCall("call_a", args),
				nativeCall("call_b", map[string]any{"order_id": "A-1001"}),
			}}, nil
		}
		return &llm.Completion{Text: "Your order has shipped."}, nil
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.executed.Load())
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "call_a", res.ToolCalls[0].CallID)
	assert.Equal(t, 1, res.Usage.ToolCalls)

	// every requested id is answered, the repeat with the first call's result
	followUp := completer.calls[1].msgs
	require.GreaterOrEqual(t, len(followUp), 2)
	answers := followUp[len(followUp)-2:]
	assert.Equal(t, "call_a", answers[0].ToolCallID)
	assert.Equal(t, "call_b", answers[1].ToolCallID)
	assert.Equal(t, `{"status":"shipped"}`, answers[0].Content)
	assert.Equal(t, answers[0].Content, answers[1].Content)

	audit, err := h.store.ListToolCalls(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestDispatcher_AdaptiveRepeatedCallExecutesOnce(t *testing.T) {
	args := map[string]any{"order_id": "A-1001"}
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		switch n {
		case 0:
			return &llm.Completion{ToolCalls: []model.ToolCall{nativeCall("call_a", args), nativeCall("call_b", args)}}, nil
		case 1:
			return &llm.Completion{ToolCalls: []model.ToolCall{nativeCall("call_c", args)}}, nil
		default:
			return &llm.Completion{Text: "Shipped."}, nil
		}
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "smart", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err)
	assert.Equal(t, "Shipped.", res.Response)
	assert.Equal(t, int32(1), h.executed.Load())
	require.Len(t, res.ToolCalls, 1)

	third := completer.calls[2].msgs
	last := third[len(third)-1]
	assert.Equal(t, "call_c", last.ToolCallID)
	assert.Equal(t, `{"status":"shipped"}`, last.Content)
}

func TestDispatcher_AdaptiveModeWithFreeTextTools(t *testing.T) {
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{Text: "USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\": \"A-1001\"}", TokensIn: 5, TokensOut: 2}, nil
		}
		return &llm.Completion{Text: "Your order A-1001 has shipped.", TokensIn: 7, TokensOut: 3}, nil
	}}
	h := newHarness(t, completer, func(_ *Dependencies, cfg *Config) { cfg.NativeTools = false })

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "smart", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err)
	assert.Equal(t, model.AIModeAdaptive, res.Mode)
	assert.Equal(t, "Your order A-1001 has shipped.", res.Response)
	assert.Equal(t, int32(1), h.executed.Load())
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeExecuted, res.ToolCalls[0].Outcome)

	first := completer.calls[0]
	assert.Nil(t, first.tools, "declarations go into the prompt")
	require.Len(t, first.msgs, 3)
	assert.Contains(t, first.msgs[1].Content, "USE_TOOL: <tool name>")

	second := completer.calls[1].msgs
	last := second[len(second)-1]
	assert.Equal(t, model.RoleTool, last.Role)
	assert.Empty(t, last.ToolCallID)
	assert.Equal(t, `get_order_status: {"status":"shipped"}`, last.Content)

	audit, err := h.store.ListToolCalls(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.ProvenanceExtracted, audit[0].Provenance)
}

func TestDispatcher_ConcurrentIdenticalCallsExecuteOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// stateless: ask for the tool after a user message, answer after a tool result
	completer := &recordingCompleter{respond: func(_ int, msgs []llm.Message) (*llm.Completion, error) {
		if msgs[len(msgs)-1].Role == model.RoleUser {
			return &llm.Completion{ToolCalls: []model.ToolCall{nativeCall(model.NewToolCallID(), map[string]any{"order_id": "A-1001"})}}, nil
		}
		return &llm.Completion{Text: "done"}, nil
	}}

	var executed atomic.Int32
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	slow := toolcall.ExecutorFunc(func(context.Context, model.Tool, map[string]any) (string, error) {
		executed.Add(1)
		entered <- struct{}{}
		<-release
		return "ok", nil
	})

	h := newHarness(t, completer, func(deps *Dependencies, _ *Config) {
		deps.Locker = lock.NewRedisLocker(client)
		deps.Executor = slow
	})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		first *TurnResult
		ferr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, ferr = h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is A-1001?"})
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first call never reached the executor")
	}

	second, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is A-1001??"})
	require.NoError(t, err)
	require.Len(t, second.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeDuplicateSuppressed, second.ToolCalls[0].Outcome)

	close(release)
	wg.Wait()
	require.NoError(t, ferr)
	assert.Equal(t, model.ToolOutcomeExecuted, first.ToolCalls[0].Outcome)
	assert.Equal(t, int32(1), executed.Load())

	// the lock is released after execution, so the call can run again
	third, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "and now?"})
	require.NoError(t, err)
	assert.Equal(t, model.ToolOutcomeExecuted, third.ToolCalls[0].Outcome)
	assert.Equal(t, int32(2), executed.Load())
}

type downLocker struct{}

func (downLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, model.E(model.KindTransientIO, "lock.acquire", model.ErrLockUnavailable)
}
func (downLocker) Release(context.Context, string) (bool, error) { return false, nil }
func (downLocker) IsLocked(context.Context, string) (bool, error) {
	return false, model.E(model.KindTransientIO, "lock.is_locked", model.ErrLockUnavailable)
}

func TestDispatcher_LockStoreDownFailsClosed(t *testing.T) {
	h := newHarness(t, toolThenText(map[string]any{"order_id": "A-1001"}, "Please try again in a moment."),
		func(deps *Dependencies, _ *Config) { deps.Locker = downLocker{} })

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeLockUnavailable, res.ToolCalls[0].Outcome)
	assert.Equal(t, int32(0), h.executed.Load(), "no execution without the lock")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockAcquisitions.WithLabelValues("unavailable")))
}

func TestDispatcher_ReadOnlyToolSkipsLock(t *testing.T) {
	readOnly := false
	tool := orderTool()
	tool.Name = "list_stores"
	tool.Parameters = nil
	tool.SideEffecting = &readOnly

	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{ToolCalls: []model.ToolCall{{ID: "call_1", Name: "list_stores", Provenance: model.ProvenanceNative}}}, nil
		}
		return &llm.Completion{Text: "We have two stores."}, nil
	}}
	h := newHarness(t, completer, func(deps *Dependencies, _ *Config) { deps.Locker = downLocker{} })
	require.NoError(t, h.registry.Register("acme", tool))

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where are you?"})
	require.NoError(t, err)
	assert.Equal(t, model.ToolOutcomeExecuted, res.ToolCalls[0].Outcome)
}

func TestDispatcher_WebhookTimeoutFailsTurnButKeepsUsage(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	completer := toolThenText(map[string]any{"order_id": "A-1001"}, "unused")
	h := newHarness(t, completer, func(deps *Dependencies, _ *Config) {
		deps.Executor = toolcall.NewRouter(toolcall.NewWebhookExecutor(50*time.Millisecond), nil)
	})
	tool := orderTool()
	tool.WebhookURL = srv.URL
	require.NoError(t, h.registry.Register("slowco", tool))

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "slowco", SessionKey: "s-1", Message: "where is A-1001?"})
	require.Error(t, err)
	assert.Equal(t, model.KindUpstreamTimeout, model.KindOf(err))
	assert.True(t, model.IsRetryable(err))
	require.NotNil(t, res)

	assert.Equal(t, 1, completer.count(), "no follow-up after a timeout")
	assert.Equal(t, []model.Role{model.RoleUser}, h.roles(t, res.ConversationID), "partial state stands, nothing presented as an answer")
	assert.Equal(t, int64(15), h.usage(t, "slowco", model.MetricTokens))
	assert.Equal(t, int64(1), h.usage(t, "slowco", model.MetricToolCalls))

	audit, err := h.store.ListToolCalls(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.ToolOutcomeFailed, audit[0].Outcome)
}

func TestDispatcher_FollowUpFailureStillRecordsUsage(t *testing.T) {
	completer := &recordingCompleter{respond: func(n int, _ []llm.Message) (*llm.Completion, error) {
		if n == 0 {
			return &llm.Completion{ToolCalls: []model.ToolCall{nativeCall("call_1", map[string]any{"order_id": "A-1"})}, TokensIn: 12, TokensOut: 3}, nil
		}
		return nil, model.E(model.KindTransientIO, "llm.complete", errors.New("503 from provider"))
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "status of A-1"})
	require.Error(t, err)
	assert.Equal(t, model.KindTransientIO, model.KindOf(err))
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleTool}, h.roles(t, res.ConversationID))
	assert.Equal(t, int64(15), h.usage(t, "acme", model.MetricTokens))
	assert.Equal(t, int64(1), h.usage(t, "acme", model.MetricMessages))
}

func TestDispatcher_FirstCompletionFailureRecordsNothing(t *testing.T) {
	completer := &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		return nil, model.E(model.KindUpstreamTimeout, "llm.complete", context.DeadlineExceeded)
	}}
	h := newHarness(t, completer)

	_, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "hello"})
	assert.Equal(t, model.KindUpstreamTimeout, model.KindOf(err))
	assert.Equal(t, int64(0), h.usage(t, "acme", model.MetricMessages))
}

func TestDispatcher_EndPhraseClosesConversation(t *testing.T) {
	completer := &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		t.Fatal("the model is not consulted for a farewell")
		return nil, nil
	}}
	h := newHarness(t, completer)
	ctx := context.Background()

	res, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "Thanks, bye!"})
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Equal(t, model.EndReasonPhrase, res.EndReason)
	assert.Equal(t, config.DefaultPhrases().FarewellReply, res.Response)
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant}, h.roles(t, res.ConversationID))

	conv, err := h.store.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationEnded, conv.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConversationsEnded.WithLabelValues("phrase")))
	assert.Equal(t, int64(0), h.usage(t, "acme", model.MetricMessages))

	// the next message opens a fresh conversation
	next, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "thank you"})
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.NotEqual(t, res.ConversationID, next.ConversationID)
}

func TestDispatcher_LimitExceeded(t *testing.T) {
	completer := &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		t.Fatal("the model is not consulted over the limit")
		return nil, nil
	}}
	h := newHarness(t, completer)

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "broke", SessionKey: "s-1", Message: "hello"})
	require.Error(t, err)
	assert.Equal(t, model.KindLimitExceeded, model.KindOf(err))
	var limitErr *billing.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, model.MetricMessages, limitErr.Metric)
	assert.Equal(t, []model.Role{model.RoleUser}, h.roles(t, res.ConversationID))
}

func TestDispatcher_AdaptiveMode(t *testing.T) {
	h := newHarness(t, toolThenText(map[string]any{"order_id": "A-1001"}, "Shipped yesterday."))

	res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "smart", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err)
	assert.Equal(t, model.AIModeAdaptive, res.Mode)
	assert.Equal(t, "Shipped yesterday.", res.Response)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, model.ToolOutcomeExecuted, res.ToolCalls[0].Outcome)
	assert.Equal(t, int32(1), h.executed.Load())
	assert.Equal(t, 30, res.Usage.TokensIn)
	assert.Equal(t, 1, res.Usage.ToolCalls)

	second := h.completer.calls[1]
	assert.Len(t, second.tools, 1, "adaptive rounds keep the tools")
	last := second.msgs[len(second.msgs)-1]
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, int64(38), h.usage(t, "smart", model.MetricTokens))
}

// flakyLedger fails the first n Record calls
type flakyLedger struct {
	*billing.Ledger
	mu       sync.Mutex
	failures int
	attempts int
}

func (l *flakyLedger) Record(ctx context.Context, clientID string, rec model.UsageRecord) error {
	l.mu.Lock()
	l.attempts++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return model.E(model.KindTransientIO, "billing.record", errors.New("ledger unreachable"))
	}
	return l.Ledger.Record(ctx, clientID, rec)
}

func TestDispatcher_UsageRecordingRetries(t *testing.T) {
	plain := func(int, []llm.Message) (*llm.Completion, error) {
		return &llm.Completion{Text: "ok", TokensIn: 1, TokensOut: 1}, nil
	}

	t.Run("recovers", func(t *testing.T) {
		var ledger *flakyLedger
		h := newHarness(t, &recordingCompleter{respond: plain}, func(deps *Dependencies, _ *Config) {
			ledger = &flakyLedger{Ledger: deps.Ledger.(*billing.Ledger), failures: 2}
			deps.Ledger = ledger
		})

		_, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, 3, ledger.attempts)
		assert.Equal(t, int64(1), h.usage(t, "acme", model.MetricMessages))
		assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.UsageRecordFailures))
	})

	t.Run("gives up", func(t *testing.T) {
		var ledger *flakyLedger
		h := newHarness(t, &recordingCompleter{respond: plain}, func(deps *Dependencies, _ *Config) {
			ledger = &flakyLedger{Ledger: deps.Ledger.(*billing.Ledger), failures: 10}
			deps.Ledger = ledger
		})

		res, err := h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "hi"})
		require.NoError(t, err, "a lost usage record does not fail the answered turn")
		assert.Equal(t, "ok", res.Response)
		assert.Equal(t, 3, ledger.attempts)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UsageRecordFailures))
	})
}

func TestDispatcher_StatusUpdates(t *testing.T) {
	h := newHarness(t, toolThenText(map[string]any{"order_id": "A-1001"}, "Shipped."))

	var (
		mu     sync.Mutex
		phases []StatusPhase
	)
	ctx := WithStatusFunc(context.Background(), func(s *StatusUpdate) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})

	_, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "where is A-1001?"})
	require.NoError(t, err)
	assert.Equal(t, []StatusPhase{
		StatusReceived, StatusResolved, StatusThinking, StatusToolExecuting, StatusToolDone, StatusThinking, StatusCompleted,
	}, phases)
}

func TestDispatcher_EscalationAndSkipUserMessage(t *testing.T) {
	completer := &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		return &llm.Completion{Text: "Connecting you with a person."}, nil
	}}
	h := newHarness(t, completer)
	ctx := context.Background()

	res, err := h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "I want to speak to a human"})
	require.NoError(t, err)
	assert.True(t, res.Escalate)

	msgs, err := h.store.ListMessages(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, true, msgs[1].Metadata["escalate"])

	res, err = h.d.HandleMessage(ctx, TurnRequest{ClientID: "acme", SessionKey: "s-1", SkipUserMessage: true})
	require.NoError(t, err)
	assert.False(t, res.Escalate)
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant, model.RoleAssistant}, h.roles(t, res.ConversationID))
}

func TestDispatcher_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, &recordingCompleter{respond: func(int, []llm.Message) (*llm.Completion, error) {
		return &llm.Completion{Text: "x"}, nil
	}})

	_, err := h.d.HandleMessage(context.Background(), TurnRequest{SessionKey: "s-1", Message: "hi"})
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	_, err = h.d.HandleMessage(context.Background(), TurnRequest{ClientID: "acme", SessionKey: "s-1", Message: "   "})
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	_, err := NewDispatcher(Dependencies{}, DefaultConfig())
	assert.Error(t, err)
}

func TestWithToolInstructions(t *testing.T) {
	msgs := []llm.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "hi"},
	}
	out := withToolInstructions(msgs, "TOOLS")
	require.Len(t, out, 3)
	assert.Equal(t, "sys", out[0].Content)
	assert.Equal(t, "TOOLS", out[1].Content)
	assert.Equal(t, "hi", out[2].Content)

	out = withToolInstructions([]llm.Message{{Role: model.RoleUser, Content: "hi"}}, "TOOLS")
	assert.Equal(t, "TOOLS", out[0].Content)

	assert.Equal(t, msgs, withToolInstructions(msgs, ""))
}
