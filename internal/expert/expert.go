// Package expert provides the provide_answer_for_missing_information
// tool, which asks a model directly when the concierge lacks the
// background to answer a fragrance question.
package expert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/sillage/internal/llm"
	"github.com/nugget/sillage/internal/prompts"
	"github.com/nugget/sillage/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "provide_answer_for_missing_information"

const toolDescription = `Fetch expert fragrance knowledge when the available context lacks the detail needed to answer the user's question.
Use this only when you cannot answer directly and need a recommendation, explanation or clarification about a fragrance.`

// Tool returns the expert tool, answering with model via client.
func Tool(client llm.Client, model string, logger *slog.Logger) *tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	e := &expert{client: client, model: model, logger: logger}
	return &tools.Tool{
		Name:        ToolName,
		Description: toolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_question": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The question the user is asking about the fragrance.",
				},
			},
			"required": []string{"user_question"},
		},
		Handler: e.handle,
	}
}

type expert struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

func (e *expert) handle(ctx context.Context, args map[string]any) (string, error) {
	question, _ := args["user_question"].(string)
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("user_question is required")
	}

	e.logger.Debug("asking expert model", "model", e.model, "call_id", tools.ScopeFromContext(ctx).CallID)

	resp, err := e.client.Chat(ctx, e.model, []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.ExpertPrompt(question)},
		{Role: llm.RoleUser, Content: question},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("expert model: %w", err)
	}

	return tools.Result{Message: strings.TrimSpace(resp.Message.Content)}.JSON(), nil
}
