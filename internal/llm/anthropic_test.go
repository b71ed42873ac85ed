package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestToAnthropicMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a fragrance concierge."},
		{Role: RoleUser, Content: "Recommend two woody scents."},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "toolu_1", Function: FunctionCall{Name: "recommend_fragrances", Arguments: map[string]any{"notes": []any{"cedar"}}}},
			{ID: "toolu_2", Function: FunctionCall{Name: "recommend_fragrances", Arguments: map[string]any{"notes": []any{"oud"}}}},
		}},
		{Role: RoleTool, ToolCallID: "toolu_1", Content: "Cedar result"},
		{Role: RoleTool, ToolCallID: "toolu_2", Content: "Oud result"},
	}

	got, system := toAnthropicMessages(messages)

	if system != "You are a fragrance concierge." {
		t.Errorf("system = %q", system)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant, merged tool results)", len(got))
	}
	if blocks := got[1].Content; len(blocks) != 2 || blocks[0].Type != "tool_use" || blocks[1].ID != "toolu_2" {
		t.Errorf("assistant blocks = %+v", blocks)
	}
	results := got[2].Content
	if got[2].Role != RoleUser || len(results) != 2 {
		t.Fatalf("tool results not merged: %+v", got[2])
	}
	if results[0].ToolUseID != "toolu_1" || results[1].ToolUseID != "toolu_2" {
		t.Errorf("tool_result ids = %q, %q", results[0].ToolUseID, results[1].ToolUseID)
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools := []map[string]any{
		{"type": "function", "function": map[string]any{
			"name":        "recommend_fragrances",
			"description": "Find fragrances",
			"parameters":  map[string]any{"type": "object"},
		}},
		{"type": "function", "function": map[string]any{"name": "bare"}},
		{"type": "bogus"},
	}
	got := toAnthropicTools(tools)
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[1].InputSchema == nil {
		t.Error("missing parameters should default to an empty object schema")
	}
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.System == "" {
			t.Error("system prompt not sent")
		}
		fmt.Fprint(w, `{"model":"claude-test","role":"assistant","content":[
			{"type":"text","text":"Let me look."},
			{"type":"tool_use","id":"toolu_9","name":"recommend_fragrances","input":{"count":2}}
		],"usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", nil)
	c.url = srv.URL

	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Let me look." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].ID != "toolu_9" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].Function.Arguments["count"] != float64(2) {
		t.Errorf("arguments = %v", resp.Message.ToolCalls[0].Function.Arguments)
	}
}

func TestAnthropicStream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":3}}}`,
		`{"type":"content_block_start","content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop"}`,
		`{"type":"content_block_start","content_block":{"type":"tool_use","id":"toolu_s","name":"lookup"}}`,
		`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"rose\"}"}}`,
		`{"type":"content_block_stop"}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil)
	c.url = srv.URL

	var tokens []string
	var sawDone bool
	resp, err := c.ChatStream(context.Background(), "claude-test", []Message{{Role: RoleUser, Content: "hi"}}, nil, func(ev StreamEvent) {
		switch ev.Kind {
		case KindToken:
			tokens = append(tokens, ev.Token)
		case KindDone:
			sawDone = true
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(tokens, "") != "Hello" || resp.Message.Content != "Hello" {
		t.Errorf("tokens = %v, content = %q", tokens, resp.Message.Content)
	}
	if !sawDone {
		t.Error("no KindDone event")
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["q"] != "rose" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.OutputTokens != 7 || resp.InputTokens != 3 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, 529)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", nil)
	c.url = srv.URL
	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "529") {
		t.Errorf("err = %v, want status 529", err)
	}
}
