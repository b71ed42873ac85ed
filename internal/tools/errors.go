package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable means the model asked for a tool that is not in
// the registry.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ArgumentError lists schema violations in a tool call's arguments.
type ArgumentError struct {
	ToolName   string
	Violations []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Violations, "; "))
}
