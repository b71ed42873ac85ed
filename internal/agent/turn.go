package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/llm"
)

// ModelError is a failed model call. It ends the turn; the state saved
// before the call remains valid.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// TurnOptions configures one ModelTurn.
type TurnOptions struct {
	LLM       llm.Client
	Assembler Assembler
	Model     string

	// Tools are the definitions bound to the call. Nil means the model
	// may not request tools.
	Tools []map[string]any

	// OnToken, when set, streams the reply text as it arrives.
	OnToken func(string)

	Logger *slog.Logger
}

// ModelTurn calls the model once with the assembled context for state
// and returns the assistant entry it produced. Tool call IDs from the
// provider are kept as given; a call without one is assigned
// "call_<uuid>" here, once.
func ModelTurn(ctx context.Context, state *conversation.State, opts TurnOptions) (conversation.AssistantEntry, error) {
	entry, _, err := modelTurn(ctx, state, opts)
	return entry, err
}

func modelTurn(ctx context.Context, state *conversation.State, opts TurnOptions) (conversation.AssistantEntry, *llm.ChatResponse, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	msgs, err := toLLMMessages(opts.Assembler.Assemble(state.RetrievedContext, state.Messages))
	if err != nil {
		return conversation.AssistantEntry{}, nil, err
	}

	start := time.Now()
	var resp *llm.ChatResponse
	if opts.OnToken != nil {
		resp, err = opts.LLM.ChatStream(ctx, opts.Model, msgs, opts.Tools, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken && ev.Token != "" {
				opts.OnToken(ev.Token)
			}
		})
	} else {
		resp, err = opts.LLM.Chat(ctx, opts.Model, msgs, opts.Tools)
	}
	if err != nil {
		return conversation.AssistantEntry{}, nil, &ModelError{Model: opts.Model, Err: err}
	}
	if resp == nil {
		return conversation.AssistantEntry{}, nil, &ModelError{Model: opts.Model, Err: fmt.Errorf("empty response")}
	}

	entry := fromLLMResponse(resp, opts.Model)
	logger.Info("model turn complete",
		"thread_id", state.ThreadID,
		"model", entry.Model,
		"tool_calls", len(entry.ToolCalls),
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return entry, resp, nil
}

func toLLMMessages(entries []conversation.Entry) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(entries))
	for i, e := range entries {
		switch v := e.(type) {
		case conversation.SystemEntry:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: v.Content})
		case conversation.HumanEntry:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: v.Content})
		case conversation.AssistantEntry:
			m := llm.Message{Role: llm.RoleAssistant, Content: v.Content}
			for _, tc := range v.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
					ID:       tc.ID,
					Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, m)
		case conversation.ToolResultEntry:
			out = append(out, llm.Message{Role: llm.RoleTool, Content: v.Content, ToolCallID: v.CallID})
		default:
			return nil, fmt.Errorf("%w: entry %d has type %T", ErrInternal, i, e)
		}
	}
	return out, nil
}

func fromLLMResponse(resp *llm.ChatResponse, requested string) conversation.AssistantEntry {
	model := resp.Model
	if model == "" {
		model = requested
	}
	entry := conversation.AssistantEntry{
		Content: resp.Message.Content,
		Model:   model,
		At:      time.Now(),
	}
	for _, tc := range resp.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		entry.ToolCalls = append(entry.ToolCalls, conversation.ToolCallRequest{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return entry
}
