// Package conversation defines the persisted state of a chat thread: the
// ordered transcript of entries, outstanding tool calls, and the assets
// tools have produced.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags an Entry for serialization and display.
type Kind string

const (
	KindHuman     Kind = "human"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
	KindSystem    Kind = "system"
)

// Entry is one item in a transcript. The set of implementations is
// closed: HumanEntry, AssistantEntry, ToolResultEntry and SystemEntry.
type Entry interface {
	Kind() Kind
	entry()
}

// HumanEntry is a message from the user.
type HumanEntry struct {
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// AssistantEntry is a model reply. A non-empty ToolCalls means the model
// is asking for tools rather than answering.
type AssistantEntry struct {
	Content   string            `json:"content"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	Model     string            `json:"model,omitempty"`
	At        time.Time         `json:"at"`
}

// ToolResultEntry answers exactly one ToolCallRequest by ID.
type ToolResultEntry struct {
	CallID   string    `json:"call_id"`
	ToolName string    `json:"tool_name"`
	Content  string    `json:"content"`
	IsError  bool      `json:"is_error,omitempty"`
	At       time.Time `json:"at"`
}

// SystemEntry carries instructions for the model.
type SystemEntry struct {
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

func (HumanEntry) Kind() Kind      { return KindHuman }
func (AssistantEntry) Kind() Kind  { return KindAssistant }
func (ToolResultEntry) Kind() Kind { return KindTool }
func (SystemEntry) Kind() Kind     { return KindSystem }

func (HumanEntry) entry()      {}
func (AssistantEntry) entry()  {}
func (ToolResultEntry) entry() {}
func (SystemEntry) entry()     {}

// ToolCallRequest is a model's request to run a named tool. ID is
// assigned by the model provider and must be carried through unchanged.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Text returns the display content of any entry.
func Text(e Entry) string {
	switch v := e.(type) {
	case HumanEntry:
		return v.Content
	case AssistantEntry:
		return v.Content
	case ToolResultEntry:
		return v.Content
	case SystemEntry:
		return v.Content
	}
	panic(fmt.Sprintf("conversation: unexpected entry type %T", e))
}

// Transcript is an ordered list of entries with a tagged JSON encoding.
type Transcript []Entry

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes each entry as {"kind": ..., "data": {...}}.
func (t Transcript) MarshalJSON() ([]byte, error) {
	out := make([]envelope, 0, len(t))
	for i, e := range t {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, envelope{Kind: e.Kind(), Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged encoding, rejecting unknown kinds.
func (t *Transcript) UnmarshalJSON(b []byte) error {
	var raw []envelope
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	entries := make(Transcript, 0, len(raw))
	for i, env := range raw {
		e, err := decodeEntry(env)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	*t = entries
	return nil
}

func decodeEntry(env envelope) (Entry, error) {
	switch env.Kind {
	case KindHuman:
		var e HumanEntry
		err := json.Unmarshal(env.Data, &e)
		return e, err
	case KindAssistant:
		var e AssistantEntry
		err := json.Unmarshal(env.Data, &e)
		return e, err
	case KindTool:
		var e ToolResultEntry
		err := json.Unmarshal(env.Data, &e)
		return e, err
	case KindSystem:
		var e SystemEntry
		err := json.Unmarshal(env.Data, &e)
		return e, err
	}
	return nil, fmt.Errorf("unknown entry kind %q", env.Kind)
}
