package conversation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func sampleHistory() []Entry {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Entry{
		SystemEntry{Content: "You are a fragrance concierge.", At: at},
		HumanEntry{Content: "something woody for autumn", At: at},
		AssistantEntry{
			ToolCalls: []ToolCallRequest{{ID: "call_abc", Name: "recommend_fragrances", Arguments: map[string]any{"notes": []any{"cedar"}}}},
			At:        at,
		},
		ToolResultEntry{CallID: "call_abc", ToolName: "recommend_fragrances", Content: "Cedar Noir by Maison X", At: at},
	}
}

func TestRenderHistory_IncludesTurnsInOrder(t *testing.T) {
	got := RenderHistory(sampleHistory())

	if strings.Contains(got, "fragrance concierge") {
		t.Errorf("rendered history echoes a system entry:\n%s", got)
	}

	human := strings.Index(got, "Human: something woody for autumn")
	call := strings.Index(got, "[requested tool recommend_fragrances")
	result := strings.Index(got, "Tool (recommend_fragrances, call call_abc): Cedar Noir by Maison X")
	if human < 0 || call < 0 || result < 0 {
		t.Fatalf("missing entries in rendered history:\n%s", got)
	}
	if !(human < call && call < result) {
		t.Errorf("entries out of order (human=%d call=%d result=%d)", human, call, result)
	}
}

func TestRenderHistory_Empty(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"nil", nil},
		{"system only", []Entry{SystemEntry{Content: "instructions"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderHistory(tt.entries); got != EmptyHistory {
				t.Errorf("RenderHistory = %q, want %q", got, EmptyHistory)
			}
		})
	}
}

func TestRenderHistory_ToolArguments(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"encoded", map[string]any{"notes": []any{"oud"}}, `[requested tool lookup({"notes":["oud"]}), call c1]`},
		{"none", nil, `[requested tool lookup({}), call c1]`},
		{"unencodable", map[string]any{"ch": make(chan int)}, `[requested tool lookup({}), call c1]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderHistory([]Entry{AssistantEntry{ToolCalls: []ToolCallRequest{{ID: "c1", Name: "lookup", Arguments: tt.args}}}})
			if !strings.Contains(got, tt.want) {
				t.Errorf("RenderHistory = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestTranscriptJSON(t *testing.T) {
	in := Transcript(sampleHistory())
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Transcript
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d entries, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Kind() != in[i].Kind() {
			t.Errorf("entry %d kind = %s, want %s", i, out[i].Kind(), in[i].Kind())
		}
	}
	a, ok := out[2].(AssistantEntry)
	if !ok || len(a.ToolCalls) != 1 || a.ToolCalls[0].ID != "call_abc" {
		t.Errorf("assistant tool call not preserved: %+v", out[2])
	}
}

func TestTranscriptRejectsUnknownKind(t *testing.T) {
	var tr Transcript
	err := json.Unmarshal([]byte(`[{"kind":"narrator","data":{}}]`), &tr)
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLast(t *testing.T) {
	s := NewState("t1", "")
	if _, ok := s.Last(); ok {
		t.Error("Last() on empty state reported an entry")
	}
	s.Append(HumanEntry{Content: "hi"})
	e, ok := s.Last()
	if !ok || e.Kind() != KindHuman {
		t.Errorf("Last() = %v, %v", e, ok)
	}
}
