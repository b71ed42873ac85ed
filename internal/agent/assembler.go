package agent

import (
	"strings"
	"time"

	"github.com/nugget/sillage/internal/conversation"
)

// NoInformation is what retrieval returns when there is nothing known
// about the user. The assembler drops the user section when it sees it.
const NoInformation = "No relevant information found for the user."

const (
	userInfoHeading = "Relevant user information:"
	historyHeading  = "Conversation so far:"
)

// Assembler builds the context sent to the model for one call.
type Assembler struct {
	// Instructions renders the fixed system prompt. It is called on
	// every Assemble so date-dependent text stays current.
	Instructions func(now time.Time) string

	// Now defaults to time.Now.
	Now func() time.Time

	// Inline renders prior turns into the system entry instead of
	// sending them as separate messages.
	Inline bool
}

// Assemble returns exactly one leading system entry followed by history
// without any earlier system entries, or the system entry alone in
// inline mode. history is not modified.
func (a Assembler) Assemble(retrieved string, history []conversation.Entry) []conversation.Entry {
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}

	var sb strings.Builder
	if a.Instructions != nil {
		sb.WriteString(strings.TrimSpace(a.Instructions(now)))
	}
	if hasUserInfo(retrieved) {
		sb.WriteString("\n\n")
		sb.WriteString(userInfoHeading)
		sb.WriteString("\n")
		sb.WriteString(retrieved)
	}

	if a.Inline {
		sb.WriteString("\n\n")
		sb.WriteString(historyHeading)
		sb.WriteString("\n")
		sb.WriteString(conversation.RenderHistory(history))
		return []conversation.Entry{conversation.SystemEntry{Content: strings.TrimSpace(sb.String()), At: now}}
	}

	prior := conversation.WithoutSystem(history)
	out := make([]conversation.Entry, 0, len(prior)+1)
	out = append(out, conversation.SystemEntry{Content: strings.TrimSpace(sb.String()), At: now})
	return append(out, prior...)
}

func hasUserInfo(retrieved string) bool {
	s := strings.TrimSpace(retrieved)
	return s != "" && s != NoInformation
}
