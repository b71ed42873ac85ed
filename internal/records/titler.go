package records

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nugget/sillage/internal/llm"
	"github.com/nugget/sillage/internal/prompts"
)

// Title length bounds.
const (
	maxTitleWords    = 6
	fallbackTitleLen = 50
)

// Titler names new threads from their opening message.
type Titler struct {
	LLM    llm.Client
	Model  string
	Logger *slog.Logger
}

// Title asks the model for a short topic line. If the model is missing,
// fails, or returns nothing, the first 50 characters of message are used.
func (t *Titler) Title(ctx context.Context, message string) string {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if t.LLM == nil {
		return fallbackTitle(message)
	}

	resp, err := t.LLM.Chat(ctx, t.Model, []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.TitleInstruction},
		{Role: llm.RoleUser, Content: message},
	}, nil)
	if err != nil {
		logger.Warn("thread title generation failed, using message prefix", "error", err)
		return fallbackTitle(message)
	}

	title := strings.Trim(strings.TrimSpace(resp.Message.Content), `"'`)
	if title == "" {
		return fallbackTitle(message)
	}
	if words := strings.Fields(title); len(words) > maxTitleWords {
		title = strings.Join(words[:maxTitleWords], " ")
	}
	return title
}

func fallbackTitle(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= fallbackTitleLen {
		return message
	}
	return string([]rune(message)[:fallbackTitleLen])
}
