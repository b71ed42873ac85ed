package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EmptyHistory is rendered when there are no prior turns to show.
const EmptyHistory = "(no previous conversation)"

// RenderHistory renders human, assistant and tool entries as a plain
// transcript. System entries are never included.
func RenderHistory(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		switch v := e.(type) {
		case HumanEntry:
			fmt.Fprintf(&b, "Human: %s\n", v.Content)
		case AssistantEntry:
			if v.Content != "" || len(v.ToolCalls) == 0 {
				fmt.Fprintf(&b, "Assistant: %s\n", v.Content)
			}
			for _, tc := range v.ToolCalls {
				fmt.Fprintf(&b, "Assistant: [requested tool %s(%s), call %s]\n", tc.Name, renderArgs(tc.Arguments), tc.ID)
			}
		case ToolResultEntry:
			fmt.Fprintf(&b, "Tool (%s, call %s): %s\n", v.ToolName, v.CallID, v.Content)
		case SystemEntry:
		}
	}
	if b.Len() == 0 {
		return EmptyHistory
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderArgs is args as JSON, or {} when there are none or they cannot
// be encoded.
func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// WithoutSystem returns a copy of entries with every SystemEntry removed.
func WithoutSystem(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := e.(SystemEntry); ok {
			continue
		}
		out = append(out, e)
	}
	return out
}
