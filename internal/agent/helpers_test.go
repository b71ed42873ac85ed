package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/sillage/internal/checkpoint"
	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/database"
	"github.com/nugget/sillage/internal/documents"
	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/llm"
	"github.com/nugget/sillage/internal/tools"
)

// mockLLM replays scripted responses and records every call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      map[int]error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, td, nil)
}

func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, td []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	i := m.callIndex
	m.callIndex++
	if err := m.errs[i]; err != nil {
		return nil, err
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
	}
	resp := m.responses[i]
	if cb != nil && resp.Message.Content != "" {
		for _, r := range resp.Message.Content {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: string(r)})
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textReply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, Content: content},
	}
}

func toolReply(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// stubDocs is a DocumentGetter keyed by user.
type stubDocs map[string]string

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverPureGo, filepath.Join(t.TempDir(), "agent.db"), quietLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return checkpoint.NewStore(db, 0, quietLogger())
}

// testTools is the catalogue used by loop tests.
//
//	echo       returns an envelope with one asset named after args["name"]
//	slow       sleeps args["ms"] then answers
//	boom       panics
//	plain      returns "not json"
func testTools(t *testing.T) *tools.Registry {
	t.Helper()
	obj := map[string]any{"type": "object", "properties": map[string]any{}}
	reg, err := tools.NewRegistry(
		&tools.Tool{
			Name:       "echo",
			Parameters: obj,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				name, _ := args["name"].(string)
				scope := tools.ScopeFromContext(ctx)
				return tools.Result{
					Message: "echo " + name + " for " + scope.UserID,
					Assets:  []conversation.Asset{{ID: name, Name: name, Type: "fragrance"}},
				}.JSON(), nil
			},
		},
		&tools.Tool{
			Name:       "slow",
			Parameters: obj,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				ms, _ := args["ms"].(float64)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return "", ctx.Err()
				}
				return tools.Result{Message: fmt.Sprintf("slept %.0fms", ms)}.JSON(), nil
			},
		},
		&tools.Tool{
			Name:       "boom",
			Parameters: obj,
			Handler: func(context.Context, map[string]any) (string, error) {
				panic("kaboom")
			},
		},
		&tools.Tool{
			Name:       "plain",
			Parameters: obj,
			Handler: func(context.Context, map[string]any) (string, error) {
				return "not json", nil
			},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

type harness struct {
	loop  *Loop
	llm   *mockLLM
	store *checkpoint.Store
	bus   *events.Bus
}

func newHarness(t *testing.T, m *mockLLM, mutate func(*Options)) *harness {
	t.Helper()
	store := testCheckpoints(t)
	bus := events.New(256)
	reg := testTools(t)
	opts := Options{
		LLM:          m,
		Registry:     reg,
		Invoker:      tools.NewInvoker(reg, 2*time.Second, quietLogger()),
		Checkpoints:  store,
		Retriever:    &Retriever{Docs: stubDocs{"u1": "Loves vanilla and amber."}, Logger: quietLogger()},
		Events:       bus,
		Logger:       quietLogger(),
		Instructions: func(now time.Time) string { return "You are a concierge. Today is " + now.Format("2006-01-02") + "." },
		DefaultModel: "test-model",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{loop: NewLoop(opts), llm: m, store: store, bus: bus}
}

func (h *harness) state(t *testing.T, threadID string) *conversation.State {
	t.Helper()
	s, err := h.store.Load(context.Background(), threadID)
	if err != nil {
		t.Fatalf("Load(%s): %v", threadID, err)
	}
	return s
}

func toolResults(entries []conversation.Entry) []conversation.ToolResultEntry {
	var out []conversation.ToolResultEntry
	for _, e := range entries {
		if tr, ok := e.(conversation.ToolResultEntry); ok {
			out = append(out, tr)
		}
	}
	return out
}

func (d stubDocs) GetByKey(_ context.Context, key string) (*documents.Document, error) {
	text, ok := d[key]
	if !ok {
		return nil, documents.ErrNotFound
	}
	return &documents.Document{Key: key, Content: text}, nil
}
