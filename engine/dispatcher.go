// Package engine runs one conversational turn: it resolves the conversation,
// picks the plan's reasoning mode, executes tool calls under the lock service
// and finalizes usage.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ghiac/agentdesk/billing"
	"github.com/ghiac/agentdesk/conversation"
	"github.com/ghiac/agentdesk/llm"
	"github.com/ghiac/agentdesk/lock"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/metrics"
	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
	"github.com/ghiac/agentdesk/toolcall"
)

// EmptyResponseReply is stored and returned when the model produced no text
const EmptyResponseReply = "Sorry, I couldn't come up with an answer. Could you rephrase your question?"

// UsageLedger checks plan limits and records turn usage
type UsageLedger interface {
	CheckAll(ctx context.Context, clientID string, plan *model.Plan, metrics ...string) error
	Record(ctx context.Context, clientID string, rec model.UsageRecord) error
}

// Config holds dispatcher settings
type Config struct {
	// NativeTools sends tool declarations as structured functions. When false
	// the declarations go into the prompt and calls are parsed from text.
	NativeTools bool

	MaxAdaptiveRounds int

	// LockTTL bounds how long one tool call holds its fingerprint lock
	LockTTL time.Duration

	// UsageAttempts and UsageBackoff control usage recording retries
	UsageAttempts int
	UsageBackoff  time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		NativeTools:       true,
		MaxAdaptiveRounds: llm.DefaultMaxRounds,
		LockTTL:           lock.DefaultTTL,
		UsageAttempts:     3,
		UsageBackoff:      200 * time.Millisecond,
	}
}

// Dependencies are the collaborators a dispatcher drives
type Dependencies struct {
	Conversations *conversation.Manager
	Plans         billing.PlanLookup
	Ledger        UsageLedger
	Tools         *toolcall.Registry
	Executor      toolcall.Executor
	Locker        lock.Locker
	Completer     llm.Completer

	// Optional
	ToolCalls store.ToolCallStore
	Metrics   *metrics.Metrics
}

// Dispatcher handles inbound messages
type Dispatcher struct {
	conversations *conversation.Manager
	plans         billing.PlanLookup
	ledger        UsageLedger
	tools         *toolcall.Registry
	executor      toolcall.Executor
	locker        lock.Locker
	completer     llm.Completer
	validator     *toolcall.Validator
	toolCalls     *ToolCallPersister
	metrics       *metrics.Metrics
	config        Config
}

// NewDispatcher creates a dispatcher. Zero config values fall back to DefaultConfig.
func NewDispatcher(deps Dependencies, cfg Config) (*Dispatcher, error) {
	switch {
	case deps.Conversations == nil:
		return nil, errors.New("conversation manager is required")
	case deps.Plans == nil:
		return nil, errors.New("plan lookup is required")
	case deps.Ledger == nil:
		return nil, errors.New("usage ledger is required")
	case deps.Tools == nil:
		return nil, errors.New("tool registry is required")
	case deps.Executor == nil:
		return nil, errors.New("tool executor is required")
	case deps.Locker == nil:
		return nil, errors.New("locker is required")
	case deps.Completer == nil:
		return nil, errors.New("completer is required")
	}

	def := DefaultConfig()
	if cfg.MaxAdaptiveRounds <= 0 {
		cfg.MaxAdaptiveRounds = def.MaxAdaptiveRounds
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.UsageAttempts <= 0 {
		cfg.UsageAttempts = def.UsageAttempts
	}
	if cfg.UsageBackoff < 0 {
		cfg.UsageBackoff = 0
	}

	d := &Dispatcher{
		conversations: deps.Conversations,
		plans:         deps.Plans,
		ledger:        deps.Ledger,
		tools:         deps.Tools,
		executor:      deps.Executor,
		locker:        deps.Locker,
		completer:     deps.Completer,
		validator:     toolcall.NewValidator(deps.Conversations.Phrases()),
		metrics:       deps.Metrics,
		config:        cfg,
	}
	if deps.ToolCalls != nil {
		d.toolCalls = NewToolCallPersister(deps.ToolCalls, "Dispatcher")
	}
	return d, nil
}

// TurnRequest is one inbound end-user message
type TurnRequest struct {
	ClientID   string
	SessionKey string
	Message    string

	// SkipUserMessage is set when the caller already stored the user message
	SkipUserMessage bool
}

// TurnResult is what a turn produced
type TurnResult struct {
	ConversationID string
	Created        bool
	Mode           model.AIMode

	// Response is the user-visible assistant text
	Response string

	Ended     bool
	EndReason model.EndReason

	// Escalate is set when the message matched an escalation trigger
	Escalate bool

	ToolCalls []ToolCallResult
	Usage     model.UsageRecord
}

// ToolCallResult is the outcome of one requested tool call
type ToolCallResult struct {
	CallID  string
	Name    string
	Outcome model.ToolOutcome
	Output  string
	Errors  []string
}

// feedback is the text the model sees for this call
func (r ToolCallResult) feedback() string {
	switch r.Outcome {
	case model.ToolOutcomeExecuted:
		return r.Output
	case model.ToolOutcomeInvalid:
		return "Invalid arguments: " + strings.Join(r.Errors, "; ") +
			". Ask the user for the missing or invalid details instead of guessing them."
	case model.ToolOutcomeDuplicateSuppressed:
		return "This exact request is already being processed. Do not repeat it."
	case model.ToolOutcomeLockUnavailable:
		return "The tool is temporarily unavailable. Tell the user to try again shortly."
	default:
		return "The tool failed: " + strings.Join(r.Errors, "; ")
	}
}

// turn is the mutable state of one HandleMessage call
type turn struct {
	conv   *model.Conversation
	logger *log.Logger

	usage   model.UsageRecord
	metered bool
	calls   []ToolCallResult

	// done holds the result of every call run this turn, by toolcall.CallKey
	done map[string]ToolCallResult
}

func (t *turn) add(c *llm.Completion) {
	t.usage.TokensIn += c.TokensIn
	t.usage.TokensOut += c.TokensOut
	t.metered = true
}

// HandleMessage runs one turn. Side effects happen in this order: user message
// stored, assistant message stored, context cache updated, usage recorded.
// Usage is recorded whenever the model was called, even when the turn fails
// afterwards.
func (d *Dispatcher) HandleMessage(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	start := time.Now()
	mode, status := "none", "ok"
	defer func() {
		if err != nil {
			status = string(model.KindOf(err))
			notifyStatus(ctx, req.ClientID, "", StatusError, err.Error())
		}
		d.metrics.Turn(mode, status, time.Since(start))
	}()

	if req.ClientID == "" || req.SessionKey == "" {
		return nil, model.E(model.KindValidation, "engine.handle", errors.New("client id and session key are required"))
	}
	if !req.SkipUserMessage && strings.TrimSpace(req.Message) == "" {
		return nil, model.E(model.KindValidation, "engine.handle", errors.New("message is empty"))
	}
	notifyStatus(ctx, req.ClientID, "", StatusReceived, "")

	conv, created, err := d.conversations.ResolveConversation(ctx, req.ClientID, req.SessionKey)
	if err != nil {
		return nil, err
	}
	result = &TurnResult{ConversationID: conv.ID, Created: created}
	t := &turn{
		conv:   conv,
		logger: log.Log.With("conversation_id", conv.ID, "client_id", conv.ClientID),
		done:   make(map[string]ToolCallResult),
	}

	if !req.SkipUserMessage {
		if _, err := d.conversations.RecordMessage(ctx, conv, model.RoleUser, req.Message, 0, nil); err != nil {
			return result, err
		}
	}
	notifyStatus(ctx, conv.ClientID, conv.ID, StatusResolved, "")

	if d.conversations.DetectConversationEnd(req.Message) {
		status = "ended"
		return d.endByPhrase(ctx, t, result)
	}
	result.Escalate = d.conversations.DetectEscalation(req.Message)
	if result.Escalate {
		t.logger.Infof("[Dispatcher] 🙋 Escalation requested | ConversationID: %s", conv.ID)
	}

	plan, err := d.plans.PlanFor(ctx, conv.ClientID)
	if err != nil {
		return result, err
	}
	result.Mode = plan.Mode()
	mode = string(result.Mode)

	if err := d.ledger.CheckAll(ctx, conv.ClientID, plan, model.MetricMessages, model.MetricTokens); err != nil {
		return result, err
	}

	window, err := d.conversations.LoadContext(ctx, conv)
	if err != nil {
		return result, err
	}
	msgs := llm.FromContext(window.Messages)

	var tools []model.Tool
	if plan.HasFeature(model.FeatureTools) {
		tools = d.tools.EnabledToolsFor(conv.ClientID)
	}

	defer func() {
		if t.metered {
			d.finalizeUsage(context.WithoutCancel(ctx), conv.ClientID, result.Usage)
		}
	}()

	ctx = llm.WithClientID(ctx, conv.ClientID)
	var text string
	if result.Mode == model.AIModeAdaptive {
		text, err = d.runAdaptive(ctx, t, msgs, tools)
	} else {
		text, err = d.runStandard(ctx, t, msgs, tools)
	}

	result.ToolCalls = t.calls
	result.Usage = t.usage
	result.Usage.Cost = plan.Cost(t.usage.TokensIn, t.usage.TokensOut)
	if err != nil {
		t.logger.Errorf("[Dispatcher] ❌ Reasoning failed | ConversationID: %s | Mode: %s | Error: %v", conv.ID, mode, err)
		return result, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = EmptyResponseReply
	}
	meta := map[string]any{"mode": mode, "tool_calls": len(t.calls)}
	if result.Escalate {
		meta["escalate"] = true
	}
	if _, err := d.conversations.RecordMessage(ctx, conv, model.RoleAssistant, text, t.usage.TokensOut, meta); err != nil {
		return result, err
	}
	result.Response = text

	t.logger.Infof("[Dispatcher] ✅ Turn complete | ConversationID: %s | Mode: %s | ToolCalls: %d | TokensIn: %d | TokensOut: %d",
		conv.ID, mode, len(t.calls), t.usage.TokensIn, t.usage.TokensOut)
	notifyStatus(ctx, conv.ClientID, conv.ID, StatusCompleted, "")
	return result, nil
}

// endByPhrase answers with the farewell reply and closes the conversation.
// No model call is made, so the turn consumes no usage.
func (d *Dispatcher) endByPhrase(ctx context.Context, t *turn, result *TurnResult) (*TurnResult, error) {
	reply := d.conversations.Phrases().FarewellReply
	if reply != "" {
		if _, err := d.conversations.RecordMessage(ctx, t.conv, model.RoleAssistant, reply, 0, map[string]any{"end_reason": string(model.EndReasonPhrase)}); err != nil {
			return result, err
		}
	}
	if _, err := d.conversations.EndConversation(ctx, t.conv.ID, model.EndReasonPhrase); err != nil {
		return result, err
	}

	result.Response = reply
	result.Ended = true
	result.EndReason = model.EndReasonPhrase
	t.logger.Infof("[Dispatcher] 👋 Conversation closed by end phrase | ConversationID: %s", t.conv.ID)
	notifyStatus(ctx, t.conv.ClientID, t.conv.ID, StatusEnded, string(model.EndReasonPhrase))
	return result, nil
}

// runStandard makes one completion with the tool declarations, executes the
// requested calls and, when any were requested, one follow-up completion
// that sees their results.
func (d *Dispatcher) runStandard(ctx context.Context, t *turn, msgs []llm.Message, tools []model.Tool) (string, error) {
	var declared []model.Tool
	if len(tools) > 0 {
		if d.config.NativeTools {
			declared = tools
		} else {
			msgs = withToolInstructions(msgs, toolcall.FormatToolInstructions(tools))
		}
	}

	notifyStatus(ctx, t.conv.ClientID, t.conv.ID, StatusThinking, "")
	completion, err := d.completer.Complete(ctx, msgs, declared)
	if err != nil {
		return "", err
	}
	t.add(completion)

	parser := toolcall.NewParser(toolNames(tools)...)
	calls := completion.ToolCalls
	if len(calls) == 0 && len(tools) > 0 {
		calls = parser.Parse(completion.Text)
	}
	if len(calls) == 0 {
		return parser.Strip(completion.Text), nil
	}

	content := completion.Text
	if content == "" {
		content = formatToolCallsContent(calls)
	}
	followUp := append(msgs, llm.Message{Role: model.RoleAssistant, Content: content, ToolCalls: completion.ToolCalls})
	for _, call := range calls {
		res, err := d.callOnce(ctx, t, call)
		if err != nil {
			return "", err
		}
		followUp = append(followUp, toolResultMessage(call, res))
	}

	notifyStatus(ctx, t.conv.ClientID, t.conv.ID, StatusThinking, "follow-up")
	final, err := d.completer.Complete(ctx, followUp, nil)
	if err != nil {
		return "", err
	}
	t.add(final)
	return parser.Strip(final.Text), nil
}

// runAdaptive hands the turn to the multi-round tool loop. Each call the
// model makes goes through the same validation and locking as standard mode.
// Without native tool calling the declarations go into the prompt and the
// loop reads directives from the answer text.
func (d *Dispatcher) runAdaptive(ctx context.Context, t *turn, msgs []llm.Message, tools []model.Tool) (string, error) {
	reasoner := llm.NewAdaptiveReasoner(d.completer, d.config.MaxAdaptiveRounds)
	parser := toolcall.NewParser(toolNames(tools)...)
	declared := tools
	if len(tools) > 0 && !d.config.NativeTools {
		declared = nil
		msgs = withToolInstructions(msgs, toolcall.FormatToolInstructions(tools))
		reasoner.WithExtractor(parser.Parse)
	}

	notifyStatus(ctx, t.conv.ClientID, t.conv.ID, StatusThinking, "adaptive")
	res, err := reasoner.Reason(ctx, msgs, declared, func(ctx context.Context, call model.ToolCall) (string, error) {
		r, err := d.callOnce(ctx, t, call)
		if err != nil {
			return "", err
		}
		return r.feedback(), nil
	})
	if res != nil {
		t.usage.TokensIn += res.TokensIn
		t.usage.TokensOut += res.TokensOut
		if err == nil || res.TokensIn+res.TokensOut > 0 {
			t.metered = true
		}
	}
	if err != nil {
		return "", err
	}
	return parser.Strip(res.Text), nil
}

// withToolInstructions inserts the tool block after the leading system messages
func withToolInstructions(msgs []llm.Message, instructions string) []llm.Message {
	if instructions == "" {
		return msgs
	}
	i := 0
	for i < len(msgs) && msgs[i].Role == model.RoleSystem {
		i++
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, msgs[:i]...)
	out = append(out, llm.Message{Role: model.RoleSystem, Content: instructions})
	return append(out, msgs[i:]...)
}

// toolResultMessage feeds a call result back to the model. Native calls are
// answered by id; extracted calls become named notes.
func toolResultMessage(call model.ToolCall, res ToolCallResult) llm.Message {
	if call.Provenance == model.ProvenanceNative {
		return llm.Message{Role: model.RoleTool, Content: res.feedback(), ToolCallID: call.ID}
	}
	return llm.Message{Role: model.RoleTool, Content: call.Name + ": " + res.feedback()}
}

func toolNames(tools []model.Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}
