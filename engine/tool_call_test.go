package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghiac/agentdesk/model"
	"github.com/ghiac/agentdesk/store"
)

func testConversation() *model.Conversation {
	return &model.Conversation{ID: "conv-test-1", ClientID: "acme", SessionKey: "s-1", Status: model.ConversationActive}
}

// TestToolCallPersister_IntegrationWithSQLite tests the full save/update/list cycle.
func TestToolCallPersister_IntegrationWithSQLite(t *testing.T) {
	sqliteStore, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	persister := NewToolCallPersister(sqliteStore, "IntegrationTest")
	if !persister.IsAvailable() {
		t.Fatal("SQLiteStore persister should be available")
	}

	ctx := context.Background()
	conv := testConversation()
	call := model.ToolCall{
		ID:         "call_integration_123",
		Name:       "get_order_status",
		Arguments:  map[string]any{"order_id": "A-1", "channel": "email"},
		Provenance: model.ProvenanceNative,
	}

	if !persister.Save(ctx, conv, call, call.Arguments) {
		t.Fatal("Save returned false")
	}
	persister.Update(ctx, call.ID, model.ToolOutcomeExecuted, `{"status":"shipped"}`, 120*time.Millisecond)

	saved, err := sqliteStore.ListToolCalls(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListToolCalls failed: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(saved))
	}

	rec := saved[0]
	if rec.Name != "get_order_status" {
		t.Errorf("Name mismatch: got %s", rec.Name)
	}
	if rec.Arguments != `{"channel":"email","order_id":"A-1"}` {
		t.Errorf("Arguments should be canonical JSON, got %s", rec.Arguments)
	}
	if rec.Outcome != model.ToolOutcomeExecuted {
		t.Errorf("Outcome mismatch: got %s", rec.Outcome)
	}
	if rec.Response != `{"status":"shipped"}` {
		t.Errorf("Response mismatch: got %s", rec.Response)
	}
	if rec.DurationMs != 120 {
		t.Errorf("DurationMs mismatch: got %d", rec.DurationMs)
	}
}

// mockToolCallStore implements store.ToolCallStore for testing.
type mockToolCallStore struct {
	putCalls    []*model.ToolCallRecord
	updateCalls []updateCall
	putErr      error
	updateErr   error
}

type updateCall struct {
	callID   string
	outcome  model.ToolOutcome
	response string
}

func (m *mockToolCallStore) PutToolCall(_ context.Context, rec *model.ToolCallRecord) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.putCalls = append(m.putCalls, rec)
	return nil
}

func (m *mockToolCallStore) UpdateToolCallOutcome(_ context.Context, callID string, outcome model.ToolOutcome, response string, _ int64) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updateCalls = append(m.updateCalls, updateCall{callID: callID, outcome: outcome, response: response})
	return nil
}

func (m *mockToolCallStore) ListToolCalls(context.Context, string) ([]*model.ToolCallRecord, error) {
	return m.putCalls, nil
}

func TestNewToolCallPersister_NilStore(t *testing.T) {
	p := NewToolCallPersister(nil, "Test")
	if p != nil {
		t.Error("expected nil persister for a nil store")
	}
	if p.IsAvailable() {
		t.Error("nil persister must not be available")
	}

	// a nil persister is a no-op
	if p.Save(context.Background(), testConversation(), model.ToolCall{ID: "c"}, nil) {
		t.Error("Save on nil persister should report false")
	}
	p.Update(context.Background(), "c", model.ToolOutcomeExecuted, "", 0)
}

func TestToolCallPersister_Save(t *testing.T) {
	s := &mockToolCallStore{}
	p := NewToolCallPersister(s, "Test")

	call := model.ToolCall{ID: "call_abc123", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}, Provenance: model.ProvenanceExtracted}
	if !p.Save(context.Background(), testConversation(), call, call.Arguments) {
		t.Fatal("expected Save to succeed")
	}

	if len(s.putCalls) != 1 {
		t.Fatalf("expected 1 PutToolCall call, got %d", len(s.putCalls))
	}
	saved := s.putCalls[0]
	if saved.CallID != "call_abc123" {
		t.Errorf("CallID mismatch: got %s", saved.CallID)
	}
	if saved.ConversationID != "conv-test-1" || saved.ClientID != "acme" {
		t.Errorf("conversation mismatch: got %s/%s", saved.ConversationID, saved.ClientID)
	}
	if saved.Arguments != `{"city":"Paris"}` {
		t.Errorf("Arguments mismatch: got %s", saved.Arguments)
	}
	if saved.Outcome != model.ToolOutcomePending {
		t.Errorf("new calls should be pending, got %s", saved.Outcome)
	}
	if saved.Provenance != model.ProvenanceExtracted {
		t.Errorf("Provenance mismatch: got %s", saved.Provenance)
	}
}

func TestToolCallPersister_SaveOutcome(t *testing.T) {
	s := &mockToolCallStore{}
	p := NewToolCallPersister(s, "Test")

	call := model.ToolCall{ID: "call_1", Name: "get_weather"}
	p.SaveOutcome(context.Background(), testConversation(), call, model.ToolOutcomeInvalid, "missing required parameter: city")

	if len(s.putCalls) != 1 {
		t.Fatalf("expected 1 PutToolCall call, got %d", len(s.putCalls))
	}
	if s.putCalls[0].Outcome != model.ToolOutcomeInvalid {
		t.Errorf("Outcome mismatch: got %s", s.putCalls[0].Outcome)
	}
	if s.putCalls[0].Arguments != "{}" {
		t.Errorf("nil arguments should be stored as {}, got %s", s.putCalls[0].Arguments)
	}
}

func TestToolCallPersister_SaveError(t *testing.T) {
	s := &mockToolCallStore{putErr: errors.New("db down")}
	p := NewToolCallPersister(s, "Test")

	if p.Save(context.Background(), testConversation(), model.ToolCall{ID: "call_1"}, nil) {
		t.Error("expected Save to report false on store error")
	}
}

func TestToolCallPersister_Update(t *testing.T) {
	s := &mockToolCallStore{}
	p := NewToolCallPersister(s, "Test")

	p.Update(context.Background(), "call_1", model.ToolOutcomeFailed, "boom", time.Second)
	if len(s.updateCalls) != 1 {
		t.Fatalf("expected 1 update, got %d", len(s.updateCalls))
	}
	if s.updateCalls[0].outcome != model.ToolOutcomeFailed || s.updateCalls[0].response != "boom" {
		t.Errorf("unexpected update: %+v", s.updateCalls[0])
	}

	// empty call ids are ignored
	p.Update(context.Background(), "", model.ToolOutcomeFailed, "", 0)
	if len(s.updateCalls) != 1 {
		t.Errorf("empty call id should not reach the store")
	}

	// store errors are swallowed
	s.updateErr = errors.New("db down")
	p.Update(context.Background(), "call_2", model.ToolOutcomeExecuted, "", 0)
}

func TestFormatToolCallsContent(t *testing.T) {
	tests := []struct {
		calls []model.ToolCall
		want  string
	}{
		{nil, "[Tool Calls: 0]"},
		{[]model.ToolCall{{Name: "get_order_status"}}, "[Tool Calls: get_order_status]"},
		{[]model.ToolCall{{Name: "a"}, {Name: "b"}}, "[Tool Calls: a, b]"},
		{[]model.ToolCall{{ID: "x"}}, "[Tool Calls: (no name)]"},
	}
	for _, tt := range tests {
		if got := formatToolCallsContent(tt.calls); got != tt.want {
			t.Errorf("formatToolCallsContent(%v) = %q, want %q", tt.calls, got, tt.want)
		}
	}
}
