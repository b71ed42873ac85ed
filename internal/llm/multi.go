package llm

import (
	"context"
	"fmt"
	"sort"
)

// MultiClient routes each request to the provider that serves the
// requested model, falling back to a default provider.
type MultiClient struct {
	providers map[string]Client // provider name -> client
	models    map[string]string // model name -> provider name
	fallback  Client
}

// NewMultiClient returns a router. fallback may be nil, in which case
// unknown models are an error.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, c Client) {
	m.providers[name] = c
}

// AddModel routes model to the named provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

// Models lists the explicitly routed model names, sorted.
func (m *MultiClient) Models() []string {
	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFor names the provider model routes to, or "" when it falls
// through to the default client.
func (m *MultiClient) ProviderFor(model string) string {
	if provider, ok := m.models[model]; ok {
		if _, ok := m.providers[provider]; ok {
			return provider
		}
	}
	return ""
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if c, ok := m.providers[provider]; ok {
			return c, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	c, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	seen := make(map[Client]bool)
	check := func(name string, c Client) error {
		if c == nil || seen[c] {
			return nil
		}
		seen[c] = true
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
	for name, c := range m.providers {
		if err := check(name, c); err != nil {
			return err
		}
	}
	return check("fallback", m.fallback)
}
