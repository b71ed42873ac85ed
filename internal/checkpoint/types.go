// Package checkpoint persists conversation state per thread. Every save
// appends a new numbered checkpoint so a crash mid-turn resumes from the
// last completed step.
package checkpoint

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/conversation"
)

var (
	// ErrNotFound is returned when a thread or checkpoint does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrThreadBusy is returned by Acquire while another turn holds the
	// thread.
	ErrThreadBusy = errors.New("thread has a turn in progress")
)

// Checkpoint is one saved snapshot of a thread.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Step      int       `json:"step"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`

	MessageCount int   `json:"message_count"`
	AssetCount   int   `json:"asset_count"`
	ByteSize     int64 `json:"byte_size"` // compressed

	// State is nil in listings.
	State *conversation.State `json:"state,omitempty"`
}
