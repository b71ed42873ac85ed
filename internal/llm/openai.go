package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/sillage/internal/httpkit"
)

// OpenAIClient speaks the OpenAI chat completions API, which vLLM,
// LiteLLM and most hosted gateways also implement.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	temperature *float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient returns a client rooted at baseURL (for example
// https://api.openai.com/v1). temperature may be nil to use the
// provider default.
func NewOpenAIClient(baseURL, apiKey string, temperature *float64, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		temperature: temperature,
		logger:      logger.With("provider", "openai"),
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
}

type openaiRequest struct {
	Model         string              `json:"model"`
	Messages      []openaiMessage     `json:"messages"`
	Tools         []map[string]any    `json:"tools,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *openaiStreamOption `json:"stream_options,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
}

type openaiStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	req := openaiRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		Tools:       tools,
		Stream:      callback != nil,
		Temperature: c.temperature,
	}
	if req.Stream {
		req.StreamOptions = &openaiStreamOption{IncludeUsage: true}
	}

	c.logger.Debug("sending request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(tools),
		"stream", req.Stream,
	)

	resp, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if callback == nil {
		var or openaiResponse
		if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return c.fromOpenAI(&or)
	}
	return c.readStream(resp.Body, callback)
}

// Ping lists models, which needs a valid key but costs nothing.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai ping: status %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenAIClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}
	return resp, nil
}

func (c *OpenAIClient) fromOpenAI(or *openaiResponse) (*ChatResponse, error) {
	if len(or.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	msg := or.Choices[0].Message
	out := &ChatResponse{
		Model:     or.Model,
		CreatedAt: time.Unix(or.Created, 0),
		Message:   Message{Role: RoleAssistant, Content: msg.Content},
		Done:      true,
	}
	for _, tc := range msg.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: c.decodeArgs(tc.Function.Name, tc.Function.Arguments)},
		})
	}
	if or.Usage != nil {
		out.InputTokens = or.Usage.PromptTokens
		out.OutputTokens = or.Usage.CompletionTokens
	}
	return out, nil
}

func (c *OpenAIClient) decodeArgs(tool, raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		c.logger.Warn("unparseable tool arguments", "tool", tool, "error", err)
		return map[string]any{}
	}
	return args
}

// readStream accumulates text deltas and tool call fragments. Tool call
// fragments are keyed by their index; only the first fragment carries
// the ID and name.
func (c *OpenAIClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type partial struct {
		id, name string
		args     strings.Builder
	}
	var (
		text     strings.Builder
		partials = map[int]*partial{}
		out      = &ChatResponse{CreatedAt: time.Now(), Done: true}
	)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed chunk", "error", err)
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			p, ok := partials[tc.Index]
			if !ok {
				p = &partial{}
				partials[tc.Index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	indexes := make([]int, 0, len(partials))
	for i := range partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out.Message = Message{Role: RoleAssistant, Content: text.String()}
	for _, i := range indexes {
		p := partials[i]
		tc := ToolCall{ID: p.id, Function: FunctionCall{Name: p.name, Arguments: c.decodeArgs(p.name, p.args.String())}}
		out.Message.ToolCalls = append(out.Message.ToolCalls, tc)
		callback(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
	}
	callback(StreamEvent{Kind: KindDone, Response: out})
	return out, nil
}

func toOpenAIMessages(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		om := openaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args := []byte("{}")
			if tc.Function.Arguments != nil {
				args, _ = json.Marshal(tc.Function.Arguments)
			}
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiToolCallFunc{Name: tc.Function.Name, Arguments: string(args)},
			})
		}
		out = append(out, om)
	}
	return out
}
