package conversation

import (
	"slices"
	"time"
)

// Asset is a structured record produced by a tool, such as a
// recommended fragrance. Assets are stamped with the tool call that
// produced them.
type Asset struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Type         string    `json:"type"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	SourceCallID string    `json:"source_call_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// State is everything persisted for one thread.
type State struct {
	ThreadID         string            `json:"thread_id"`
	UserID           string            `json:"user_id,omitempty"`
	Messages         Transcript        `json:"messages"`
	PendingToolCalls []ToolCallRequest `json:"pending_tool_calls,omitempty"`
	Assets           []Asset           `json:"assets,omitempty"`
	RetrievedContext string            `json:"retrieved_context,omitempty"`
	RetrievedAt      time.Time         `json:"retrieved_at,omitzero"`
	Turns            int               `json:"turns"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewState returns an empty state for a thread.
func NewState(threadID, userID string) *State {
	return &State{ThreadID: threadID, UserID: userID}
}

// Append adds entries to the end of the transcript.
func (s *State) Append(entries ...Entry) {
	s.Messages = append(s.Messages, entries...)
}

// AddAssets appends assets. Assets are never removed.
func (s *State) AddAssets(assets ...Asset) {
	s.Assets = append(s.Assets, assets...)
}

// Last returns the most recent entry.
func (s *State) Last() (Entry, bool) {
	if len(s.Messages) == 0 {
		return nil, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// SetPending records the tool calls awaiting results.
func (s *State) SetPending(calls []ToolCallRequest) {
	s.PendingToolCalls = slices.Clone(calls)
}

// ClearPending marks all outstanding tool calls as resolved.
func (s *State) ClearPending() {
	s.PendingToolCalls = nil
}
