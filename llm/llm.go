// Package llm is the reasoning backend boundary: a provider-agnostic
// completion interface, the go-openai implementation and the multi-round
// tool loop used by adaptive plans.
package llm

import (
	"context"

	"github.com/ghiac/agentdesk/model"
)

// Message is a single chat message sent to a completer
type Message struct {
	Role    model.Role
	Content string

	// ToolCallID links a tool result to the call that produced it
	ToolCallID string

	// ToolCalls are the calls an assistant message requested
	ToolCalls []model.ToolCall
}

// Completion is one completer response
type Completion struct {
	// Text is the assistant text, possibly holding free-text tool directives
	Text string

	// ToolCalls are natively structured calls, if the backend returned any
	ToolCalls []model.ToolCall

	TokensIn  int
	TokensOut int
	Model     string
}

// Completer is the LLM completion capability. tools may be nil.
type Completer interface {
	Complete(ctx context.Context, messages []Message, tools []model.Tool) (*Completion, error)
}

// CompleterFunc adapts a plain function into a Completer
type CompleterFunc func(ctx context.Context, messages []Message, tools []model.Tool) (*Completion, error)

// Complete implements the Completer interface
func (f CompleterFunc) Complete(ctx context.Context, messages []Message, tools []model.Tool) (*Completion, error) {
	return f(ctx, messages, tools)
}

// FromContext converts a context window into completer messages
func FromContext(msgs []model.ContextMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return out
}

type clientCtxKey struct{}

// WithClientID tags outgoing completion requests with the tenant they serve
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientCtxKey{}, clientID)
}

// ClientIDFromContext returns the id attached with WithClientID
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientCtxKey{}).(string)
	return id
}
