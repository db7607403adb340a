package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ghiac/agentdesk/model"
)

const (
	// DefaultWebhookTimeout bounds one webhook round trip
	DefaultWebhookTimeout = 20 * time.Second
	maxResponseSize       = 1 << 20
)

// Executor invokes a validated tool call
type Executor interface {
	Execute(ctx context.Context, tool model.Tool, args map[string]any) (string, error)
}

// ExecutorFunc adapts a plain function into an Executor
type ExecutorFunc func(ctx context.Context, tool model.Tool, args map[string]any) (string, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, tool model.Tool, args map[string]any) (string, error) {
	return f(ctx, tool, args)
}

// WebhookExecutor POSTs the arguments as JSON to the tool's webhook URL
type WebhookExecutor struct {
	client  *http.Client
	timeout time.Duration
	headers map[string]string
}

// NewWebhookExecutor creates a webhook executor. timeout <= 0 uses the default.
func NewWebhookExecutor(timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookExecutor{client: &http.Client{}, timeout: timeout, headers: map[string]string{}}
}

// NewWebhookExecutorWithClient creates a webhook executor with a custom HTTP client
func NewWebhookExecutorWithClient(client *http.Client, timeout time.Duration) *WebhookExecutor {
	e := NewWebhookExecutor(timeout)
	e.client = client
	return e
}

// SetHeader adds a static header to every webhook request
func (e *WebhookExecutor) SetHeader(key, value string) {
	e.headers[key] = value
}

// Execute performs the webhook call. A timeout is reported as
// KindUpstreamTimeout; connection failures and non-2xx replies as KindTransientIO.
func (e *WebhookExecutor) Execute(ctx context.Context, tool model.Tool, args map[string]any) (string, error) {
	const op = "toolcall.webhook"
	if tool.WebhookURL == "" {
		return "", model.E(model.KindValidation, op, fmt.Errorf("tool %q has no webhook url", tool.Name))
	}
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return "", model.E(model.KindValidation, op, fmt.Errorf("encode arguments: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", model.E(model.KindValidation, op, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentdesk-Tool", tool.Name)
	if call, ok := CallFromContext(ctx); ok {
		req.Header.Set("X-Agentdesk-Call-Id", call.CallID)
		req.Header.Set("X-Agentdesk-Conversation-Id", call.ConversationID)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", model.E(model.KindUpstreamTimeout, op, fmt.Errorf("tool %s timed out after %v: %w", tool.Name, e.timeout, context.DeadlineExceeded))
		}
		return "", model.E(model.KindTransientIO, op, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", model.E(model.KindTransientIO, op, fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", model.E(model.KindTransientIO, op, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody)))
	}
	return string(respBody), nil
}

// Router dispatches to the webhook executor or an in-process function
type Router struct {
	webhook   Executor
	functions *FunctionRegistry
}

// NewRouter creates a router. functions may be nil when every tool has a webhook.
func NewRouter(webhook Executor, functions *FunctionRegistry) *Router {
	return &Router{webhook: webhook, functions: functions}
}

// Execute implements Executor
func (r *Router) Execute(ctx context.Context, tool model.Tool, args map[string]any) (string, error) {
	if tool.WebhookURL != "" && r.webhook != nil {
		return r.webhook.Execute(ctx, tool, args)
	}
	if fn, ok := r.functions.Get(tool.Name); ok {
		return fn(ctx, args)
	}
	return "", model.E(model.KindNotFound, "toolcall.route", &FunctionNotFoundError{ToolName: tool.Name})
}

// CallInfo identifies the invocation an executor is serving
type CallInfo struct {
	CallID         string
	ConversationID string
	ClientID       string
}

type callCtxKey struct{}

// WithCall attaches invocation details to the context
func WithCall(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callCtxKey{}, info)
}

// CallFromContext returns invocation details attached with WithCall
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callCtxKey{}).(CallInfo)
	return info, ok
}
