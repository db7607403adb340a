package toolcall

import (
	"strings"
	"testing"

	"github.com/ghiac/agentdesk/model"
)

func TestParseToolCalls_SingleDirective(t *testing.T) {
	calls := ParseToolCalls("USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\":\"123\"}")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	call := calls[0]
	if call.Name != "get_order_status" {
		t.Errorf("name = %q, want get_order_status", call.Name)
	}
	if call.Arguments["order_id"] != "123" {
		t.Errorf("order_id = %#v, want \"123\"", call.Arguments["order_id"])
	}
	if call.Provenance != model.ProvenanceExtracted {
		t.Errorf("provenance = %q, want extracted", call.Provenance)
	}
	if !strings.HasPrefix(call.ID, "call_") {
		t.Errorf("unexpected id %q", call.ID)
	}
}

func TestParseToolCalls_Placements(t *testing.T) {
	tests := []struct {
		name string
		text string
		tool string
		key  string
		want any
	}{
		{
			name: "same line",
			text: `USE_TOOL: book_table PARAMETERS: {"guests": 2}`,
			tool: "book_table", key: "guests", want: float64(2),
		},
		{
			name: "inline after prose, lower case",
			text: `Sure, let me check that. use_tool: get_order_status parameters: {"order_id": "A-9"}`,
			tool: "get_order_status", key: "order_id", want: "A-9",
		},
		{
			name: "blank line between markers",
			text: "USE_TOOL: cancel_order\n\nPARAMETERS:\n{\"order_id\": \"77\"}\nI'll cancel that now.",
			tool: "cancel_order", key: "order_id", want: "77",
		},
		{
			name: "braces inside strings",
			text: `USE_TOOL: add_note PARAMETERS: {"note": "use } and { carefully", "meta": {"a": 1}}`,
			tool: "add_note", key: "note", want: "use } and { carefully",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := ParseToolCalls(tt.text)
			if len(calls) != 1 {
				t.Fatalf("expected 1 call, got %d: %+v", len(calls), calls)
			}
			if calls[0].Name != tt.tool {
				t.Errorf("name = %q, want %q", calls[0].Name, tt.tool)
			}
			if got := calls[0].Arguments[tt.key]; got != tt.want {
				t.Errorf("%s = %#v, want %#v", tt.key, got, tt.want)
			}
		})
	}
}

func TestParseToolCalls_Deduplicates(t *testing.T) {
	text := "USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\":\"123\",\"verbose\":true}\n" +
		"USE_TOOL: get_order_status\nPARAMETERS: {\"verbose\":true, \"order_id\":\"123\"}"

	calls := ParseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("identical directives should collapse, got %d calls", len(calls))
	}

	again := ParseToolCalls(text)
	if again[0].ID == calls[0].ID {
		t.Errorf("every parse must assign fresh ids")
	}
}

func TestDedupe_NativeCalls(t *testing.T) {
	calls := []model.ToolCall{
		{ID: "call_a", Name: "get_order_status", Arguments: map[string]any{"order_id": "A-1", "verbose": true}, Provenance: model.ProvenanceNative},
		{ID: "call_b", Name: "get_order_status", Arguments: map[string]any{"verbose": true, "order_id": "A-1"}, Provenance: model.ProvenanceNative},
		{ID: "call_c", Name: "get_order_status", Arguments: map[string]any{"order_id": "A-2"}, Provenance: model.ProvenanceNative},
		{ID: "call_d", Name: "cancel_order", Arguments: map[string]any{"order_id": "A-1"}, Provenance: model.ProvenanceNative},
	}

	unique := Dedupe(calls)
	var ids []string
	for _, c := range unique {
		ids = append(ids, c.ID)
	}
	if strings.Join(ids, ",") != "call_a,call_c,call_d" {
		t.Errorf("unique ids = %v", ids)
	}

	a, _ := CallKey(calls[0])
	b, _ := CallKey(calls[1])
	if a != b {
		t.Errorf("argument order must not change the key: %q vs %q", a, b)
	}
}

func TestParseToolCalls_MultipleInOrder(t *testing.T) {
	text := "First I'll look it up.\nUSE_TOOL: get_order_status\nPARAMETERS: {\"order_id\":\"1\"}\n" +
		"Then:\nUSE_TOOL: send_receipt\nPARAMETERS: {\"order_id\":\"1\"}\n" +
		"USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\":\"2\"}"

	calls := ParseToolCalls(text)
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	want := []string{"get_order_status", "send_receipt", "get_order_status"}
	for i, name := range want {
		if calls[i].Name != name {
			t.Errorf("call %d = %s, want %s", i, calls[i].Name, name)
		}
	}
	if calls[0].ID == calls[2].ID {
		t.Errorf("distinct calls must have distinct ids")
	}
}

func TestParseToolCalls_Malformed(t *testing.T) {
	calls := ParseToolCalls("USE_TOOL: get_order_status\nPARAMETERS: {order_id: 123}")
	if calls == nil {
		t.Fatal("a present directive must not return nil")
	}
	if len(calls) != 0 {
		t.Errorf("malformed payload should yield no call, got %+v", calls)
	}

	calls = ParseToolCalls("USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\": \"1\"\n" +
		"USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\": \"2\"}")
	if len(calls) != 1 || calls[0].Arguments["order_id"] != "2" {
		t.Errorf("unterminated payload must not swallow the next directive, got %+v", calls)
	}
}

func TestParseToolCalls_NoDirective(t *testing.T) {
	if calls := ParseToolCalls("Your order has shipped and will arrive Tuesday."); calls != nil {
		t.Errorf("expected nil, got %+v", calls)
	}
	if calls := ParseToolCalls(""); calls != nil {
		t.Errorf("expected nil for empty text, got %+v", calls)
	}
}

func TestParseToolCalls_MissingParameters(t *testing.T) {
	calls := ParseToolCalls("USE_TOOL: list_open_tickets")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments == nil || len(calls[0].Arguments) != 0 {
		t.Errorf("expected empty arguments, got %#v", calls[0].Arguments)
	}
}

func TestParseToolCalls_Fallback(t *testing.T) {
	calls := ParseToolCalls(`get_order_status: {"order_id": "9"}`)
	if len(calls) != 1 || calls[0].Name != "get_order_status" || calls[0].Arguments["order_id"] != "9" {
		t.Fatalf("unexpected fallback result: %+v", calls)
	}

	// unknown names are ignored when the parser knows the tool set
	if calls := NewParser("get_order_status").Parse(`note: {"text": "hi"}`); calls != nil {
		t.Errorf("expected nil for unknown fallback name, got %+v", calls)
	}

	// the fallback is not used when a primary directive exists
	calls = ParseToolCalls("USE_TOOL: a_tool\nPARAMETERS: {}\nother_tool: {\"x\": 1}")
	if len(calls) != 1 || calls[0].Name != "a_tool" {
		t.Errorf("expected only the primary directive, got %+v", calls)
	}
}

func TestStripDirectives(t *testing.T) {
	text := "Let me check that for you.\nUSE_TOOL: get_order_status\nPARAMETERS: {\"order_id\":\"123\"}\n\n\n\nOne moment."
	if got := StripDirectives(text); got != "Let me check that for you.\n\nOne moment." {
		t.Errorf("StripDirectives = %q", got)
	}

	if got := StripDirectives("  plain answer  "); got != "plain answer" {
		t.Errorf("StripDirectives = %q, want plain answer", got)
	}

	if got := StripDirectives("USE_TOOL: get_order_status\nPARAMETERS: {\"order_id\":\"123\"}"); got != "" {
		t.Errorf("directive-only text should strip to empty, got %q", got)
	}
}
