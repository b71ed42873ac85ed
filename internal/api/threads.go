package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/records"
)

// ThreadInput is the body of POST /threads. ThreadID is optional; a new
// one is generated when empty.
type ThreadInput struct {
	ThreadID string `json:"thread_id,omitempty"`
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
}

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var in ThreadInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	userID := resolveUser(r, in.UserID)
	if userID == "" || strings.TrimSpace(in.Message) == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, "user_id and message are required")
		return
	}
	threadID := in.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	summary := strings.TrimSpace(in.Message)
	if s.titler != nil {
		summary = s.titler.Title(r.Context(), in.Message)
	}

	t, err := s.records.CreateThread(r.Context(), records.Thread{
		ThreadID: threadID,
		UserID:   userID,
		Summary:  summary,
	})
	if errors.Is(err, records.ErrExists) {
		s.errorResponse(w, http.StatusConflict, "thread already exists")
		return
	}
	if err != nil {
		s.logger.Error("create thread failed", "thread_id", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	s.events.Emit(events.SourceAPI, events.KindThreadCreated, map[string]any{
		"thread_id": t.ThreadID,
		"user_id":   t.UserID,
	})
	s.respond(w, http.StatusCreated, t)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	q := records.ThreadQuery{
		UserID: resolveUser(r, r.URL.Query().Get("user_id")),
		Q:      r.URL.Query().Get("q"),
		Page:   parseIntParam(r, "page", 1),
		Limit:  parseIntParam(r, "limit", records.DefaultThreadLimit),
	}
	if q.Page < 1 || q.Limit < 1 || q.Limit > records.MaxThreadLimit {
		s.errorResponse(w, http.StatusUnprocessableEntity, "page must be >= 1 and limit between 1 and 100")
		return
	}

	page, err := s.records.ListThreads(r.Context(), q)
	if err != nil {
		s.logger.Error("list threads failed", "user_id", q.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	s.respond(w, http.StatusOK, page)
}
