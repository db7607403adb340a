package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/sashabaranov/go-openai"
)

const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds one completion call
	DefaultTimeout = 60 * time.Second
)

// OpenAIConfig holds configuration for the OpenAI-compatible client
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration

	// NativeTools sends tool declarations as structured function definitions
	NativeTools bool

	// HTTPClient is the base client; a client id header is added on top of it
	HTTPClient *http.Client
}

// OpenAIClient implements Completer over any OpenAI-compatible chat completion API
type OpenAIClient struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIClient creates a completer
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	openaiConfig.HTTPClient = newHTTPClientWithClientID(cfg.HTTPClient)

	return &OpenAIClient{
		client: openai.NewClientWithConfig(openaiConfig),
		config: cfg,
	}
}

// NativeTools reports whether tool declarations are sent as structured definitions
func (c *OpenAIClient) NativeTools() bool {
	return c.config.NativeTools
}

// Complete implements Completer. Tools are ignored unless NativeTools is set.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, tools []model.Tool) (*Completion, error) {
	const op = "llm.complete"

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: toOpenAIMessages(messages),
	}
	if c.config.NativeTools {
		req.Tools = toOpenAITools(tools)
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return nil, model.E(model.KindTransientIO, op, errors.New("no choices in LLM response"))
	}

	choice := resp.Choices[0]
	out := &Completion{
		Text:      choice.Message.Content,
		ToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Model:     resp.Model,
	}

	log.Log.Debugf("[LLM] 🤖 Completion | Model: %s | TokensIn: %d | TokensOut: %d | ToolCalls: %d | Duration: %v",
		resp.Model, out.TokensIn, out.TokensOut, len(out.ToolCalls), time.Since(start))
	return out, nil
}

// classify maps client errors onto the error taxonomy
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.E(model.KindUpstreamTimeout, op, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests, apiErr.HTTPStatusCode >= 500:
			return model.E(model.KindTransientIO, op, err)
		case apiErr.HTTPStatusCode >= 400:
			return model.E(model.KindInternal, op, err)
		}
	}
	return model.E(model.KindTransientIO, op, fmt.Errorf("LLM request failed: %w", err))
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case model.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case model.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: argumentsJSON(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		case model.RoleTool:
			if m.ToolCallID != "" {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    m.Content,
					ToolCallID: m.ToolCallID,
				})
				continue
			}
			// results replayed from history have no call to attach to
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: "Tool result: " + m.Content})
		}
	}
	return out
}

func toOpenAITools(tools []model.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		if !tool.IsUsable() {
			continue
		}
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if tc.Function.Name == "" {
			continue
		}
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				log.Log.Warnf("[LLM] ⚠️  Dropping native tool call with malformed arguments | Tool: %s | Error: %v", tc.Function.Name, err)
				continue
			}
			if args == nil {
				args = map[string]any{}
			}
		}
		id := tc.ID
		if id == "" {
			id = model.NewToolCallID()
		}
		out = append(out, model.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args, Provenance: model.ProvenanceNative})
	}
	return out
}

func argumentsJSON(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
