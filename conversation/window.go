package conversation

import "github.com/ghiac/agentdesk/model"

// DefaultContextMaxMessages bounds a context window when no limit is configured
const DefaultContextMaxMessages = 20

// ManageContextWindow bounds msgs to max entries. A leading system message is
// always kept, followed by the most recent max-1 messages. Without a leading
// system message the most recent max messages are kept. The input slice is
// returned unchanged when it already fits.
func ManageContextWindow(msgs []model.ContextMessage, max int) []model.ContextMessage {
	if max <= 0 {
		max = DefaultContextMaxMessages
	}
	if len(msgs) <= max {
		return msgs
	}

	if msgs[0].Role == model.RoleSystem {
		out := make([]model.ContextMessage, 0, max)
		out = append(out, msgs[0])
		return append(out, msgs[len(msgs)-(max-1):]...)
	}

	out := make([]model.ContextMessage, max)
	copy(out, msgs[len(msgs)-max:])
	return out
}

// buildWindow converts durable history into a context window headed by the system prompt
func buildWindow(conversationID, systemPrompt string, history []*model.Message, max int) *model.ContextWindow {
	msgs := make([]model.ContextMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, model.ContextMessage{Role: model.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		if m.Role.InContext() {
			msgs = append(msgs, model.ContextMessage{Role: m.Role, Content: m.Content})
		}
	}
	return &model.ContextWindow{
		ConversationID: conversationID,
		Messages:       ManageContextWindow(msgs, max),
		Snapshot:       len(history),
	}
}
