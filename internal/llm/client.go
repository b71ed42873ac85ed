package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Chat sends a completion request. tools are OpenAI-style function
	// definitions; nil means the model may not call tools.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream is Chat with incremental delivery to callback. A nil
	// callback behaves like Chat.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
