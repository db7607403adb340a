package llm

import (
	"context"
	"fmt"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
)

// DefaultMaxRounds bounds the tool rounds of one adaptive turn
const DefaultMaxRounds = 4

// ToolHandler runs one tool call for the adaptive loop and returns the
// result text fed back to the model. Returning an error aborts the turn.
type ToolHandler func(ctx context.Context, call model.ToolCall) (string, error)

// AdaptiveResult is the outcome of an adaptive turn
type AdaptiveResult struct {
	Text      string
	TokensIn  int
	TokensOut int
	Rounds    int
	ToolCalls int
}

// Extractor reads tool calls out of a free-text answer
type Extractor func(text string) []model.ToolCall

// AdaptiveReasoner runs a multi-round tool loop: the model may call tools,
// see their results and call more, until it answers in text or the round
// limit is reached.
type AdaptiveReasoner struct {
	completer Completer
	maxRounds int
	extract   Extractor
}

// NewAdaptiveReasoner creates an adaptive reasoner over completer
func NewAdaptiveReasoner(completer Completer, maxRounds int) *AdaptiveReasoner {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &AdaptiveReasoner{completer: completer, maxRounds: maxRounds}
}

// WithExtractor makes the loop look for free-text tool directives in answers
// that carry no native calls, for backends without structured tool calling.
func (r *AdaptiveReasoner) WithExtractor(extract Extractor) *AdaptiveReasoner {
	r.extract = extract
	return r
}

// Reason runs the loop. On error the returned result still carries the
// tokens consumed so far so usage can be recorded.
func (r *AdaptiveReasoner) Reason(ctx context.Context, messages []Message, tools []model.Tool, handle ToolHandler) (*AdaptiveResult, error) {
	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	result := &AdaptiveResult{}

	for result.Rounds < r.maxRounds {
		result.Rounds++

		completion, err := r.completer.Complete(ctx, msgs, tools)
		if err != nil {
			return result, err
		}
		result.TokensIn += completion.TokensIn
		result.TokensOut += completion.TokensOut

		calls, native := completion.ToolCalls, len(completion.ToolCalls) > 0
		if !native && r.extract != nil {
			calls = r.extract(completion.Text)
		}
		if len(calls) == 0 {
			result.Text = completion.Text
			return result, nil
		}

		msgs = append(msgs, Message{Role: model.RoleAssistant, Content: completion.Text, ToolCalls: completion.ToolCalls})
		for _, call := range calls {
			output, err := handle(ctx, call)
			if err != nil {
				return result, err
			}
			result.ToolCalls++
			if native {
				msgs = append(msgs, Message{Role: model.RoleTool, Content: output, ToolCallID: call.ID})
			} else {
				msgs = append(msgs, Message{Role: model.RoleTool, Content: call.Name + ": " + output})
			}
		}
		log.Log.Debugf("[Adaptive] 🔁 Round %d complete | ToolCalls: %d", result.Rounds, len(calls))
	}

	// out of rounds: ask for a final answer without tools
	completion, err := r.completer.Complete(ctx, msgs, nil)
	if err != nil {
		return result, fmt.Errorf("final answer after %d rounds: %w", r.maxRounds, err)
	}
	result.TokensIn += completion.TokensIn
	result.TokensOut += completion.TokensOut
	result.Text = completion.Text
	return result, nil
}
