package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nugget/sillage/internal/documents"
)

// DocumentGetter is the keyed lookup retrieval needs.
// *documents.Store satisfies it.
type DocumentGetter interface {
	GetByKey(ctx context.Context, key string) (*documents.Document, error)
}

// Retriever fetches the user's profile document for the turn.
type Retriever struct {
	Docs   DocumentGetter
	Logger *slog.Logger
}

// Retrieve returns the text of the document keyed by userID, or
// NoInformation when there is no user, no document, an empty document,
// or the lookup fails. It never returns an error; lookup failures are
// logged.
func (r *Retriever) Retrieve(ctx context.Context, userID, message string) string {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Docs == nil || userID == "" {
		return NoInformation
	}

	doc, err := r.Docs.GetByKey(ctx, userID)
	switch {
	case errors.Is(err, documents.ErrNotFound):
		logger.Debug("no profile document", "user_id", userID)
		return NoInformation
	case err != nil:
		logger.Warn("profile lookup failed", "user_id", userID, "error", err)
		return NoInformation
	}

	text := strings.TrimSpace(doc.Content)
	if text == "" {
		return NoInformation
	}
	logger.Debug("profile retrieved", "user_id", userID, "chars", len(text), "message_chars", len(message))
	return text
}
