package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/checkpoint"
)

// CheckpointReader lists and fetches saved thread snapshots.
// *checkpoint.Store satisfies it.
type CheckpointReader interface {
	List(ctx context.Context, threadID string, limit int) ([]*checkpoint.Checkpoint, error)
	Get(ctx context.Context, id uuid.UUID) (*checkpoint.Checkpoint, error)
}

// CheckpointList is the body of GET /threads/{thread_id}/checkpoints.
type CheckpointList struct {
	ThreadID    string                   `json:"thread_id"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// handleCheckpointList lists a thread's checkpoints newest first,
// without their state.
func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpoints not available")
		return
	}
	threadID := r.PathValue("thread_id")

	state, err := s.history.Load(r.Context(), threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("history load failed", "thread_id", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	if !canAccessUser(r, state.UserID) {
		s.errorResponse(w, http.StatusForbidden, "thread belongs to another user")
		return
	}

	limit := min(parseIntParam(r, "limit", 20), 100)
	list, err := s.checkpoints.List(r.Context(), threadID, limit)
	if err != nil {
		s.logger.Error("list checkpoints failed", "thread_id", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	if list == nil {
		list = []*checkpoint.Checkpoint{}
	}
	s.respond(w, http.StatusOK, CheckpointList{ThreadID: threadID, Checkpoints: list})
}

// handleCheckpointGet returns one checkpoint with its full state.
func (s *Server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpoints not available")
		return
	}
	threadID := r.PathValue("thread_id")
	id, err := uuid.Parse(r.PathValue("checkpoint_id"))
	if err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, "checkpoint id must be a UUID")
		return
	}

	cp, err := s.checkpoints.Get(r.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) || (err == nil && cp.ThreadID != threadID) {
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	if err != nil {
		s.logger.Error("get checkpoint failed", "thread_id", threadID, "checkpoint_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	if !canAccessUser(r, cp.State.UserID) {
		s.errorResponse(w, http.StatusForbidden, "thread belongs to another user")
		return
	}
	s.respond(w, http.StatusOK, cp)
}
