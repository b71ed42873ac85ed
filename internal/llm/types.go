// Package llm talks to chat-completion providers (OpenAI-compatible,
// Anthropic and Ollama) behind one Client interface.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug and used for full request/response payloads.
const LevelTrace = slog.Level(-8)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool messages
}

// ToolCall is a tool invocation requested by the model. ID is whatever
// the provider assigned; Ollama may leave it empty.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the normalized result of one completion.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// StreamEventKind identifies a streaming event.
type StreamEventKind int

const (
	// KindToken is an incremental piece of assistant text.
	KindToken StreamEventKind = iota
	// KindToolCall fires once per completed tool call in the stream.
	KindToolCall
	// KindDone carries the final response.
	KindDone
)

// StreamEvent is delivered to a StreamCallback.
type StreamEvent struct {
	Kind     StreamEventKind
	Token    string
	ToolCall *ToolCall
	Response *ChatResponse
}

// StreamCallback receives events while a streaming response is read.
type StreamCallback func(StreamEvent)
