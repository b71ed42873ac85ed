package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/sillage/internal/httpkit"
)

// OllamaClient talks to a local Ollama server's /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient returns a client for baseURL (default
// http://localhost:11434).
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Cold model loads can take minutes before the first header.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t), httpkit.WithRetry(2, time.Second)),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   callback != nil,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final ollamaResponse
	if callback == nil {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	} else {
		final, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	out := fromOllama(&final)
	if callback != nil {
		for i := range out.Message.ToolCalls {
			callback(StreamEvent{Kind: KindToolCall, ToolCall: &out.Message.ToolCalls[i]})
		}
		callback(StreamEvent{Kind: KindDone, Response: out})
	}
	return out, nil
}

// readStream consumes newline-delimited JSON chunks. Tool calls arrive
// on a single chunk, usually the last.
func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (ollamaResponse, error) {
	var (
		final ollamaResponse
		text  strings.Builder
		calls []ToolCall
	)
	dec := json.NewDecoder(body)
	for {
		var chunk ollamaResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return final, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		calls = append(calls, chunk.Message.ToolCalls...)
		if chunk.Done {
			final = chunk
			break
		}
	}
	final.Message.Content = text.String()
	final.Message.ToolCalls = calls
	return final, nil
}

func fromOllama(r *ollamaResponse) *ChatResponse {
	msg := r.Message
	msg.Role = RoleAssistant
	if len(msg.ToolCalls) == 0 {
		if parsed := parseTextToolCalls(msg.Content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     created,
		Message:       msg,
		Done:          r.Done,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
	}
}

// parseTextToolCalls recovers tool calls that smaller models write into
// the message text instead of the tool_calls field. It accepts a single
// {"name", "arguments"} object, an array of them, or either wrapped in
// <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textCall{single}
	}

	var out []ToolCall
	for _, tc := range calls {
		if tc.Name == "" {
			return nil
		}
		out = append(out, ToolCall{Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments}})
	}
	return out
}

// Ping checks that the server answers /api/tags.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama ping: status %d", resp.StatusCode)
	}
	return nil
}
