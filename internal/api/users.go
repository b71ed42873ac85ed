package api

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"strings"

	"github.com/nugget/sillage/internal/documents"
	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/records"
)

// UserDocumentInput is the body of POST and PUT /user/{user_id}.
// Description is accepted in place of Content.
type UserDocumentInput struct {
	Content     string         `json:"content"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// text returns the document body, preferring Content.
func (in UserDocumentInput) text() string {
	if strings.TrimSpace(in.Content) != "" {
		return in.Content
	}
	return in.Description
}

// UserDocumentList is the body of GET /users.
type UserDocumentList struct {
	Documents []*documents.Document `json:"documents"`
	Limit     int                   `json:"limit"`
}

// userPath returns the path's user id, writing 403 and returning false
// when the caller may not act on it.
func (s *Server) userPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.PathValue("user_id")
	if !canAccessUser(r, userID) {
		s.errorResponse(w, http.StatusForbidden, "cannot access another user's profile")
		return "", false
	}
	return userID, true
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userPath(w, r)
	if !ok {
		return
	}
	doc, err := s.documents.GetByKey(r.Context(), userID)
	if errors.Is(err, documents.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "user profile not found")
		return
	}
	if err != nil {
		s.logger.Error("get user document failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// handleUserList lists stored profile documents, newest first. An
// authenticated caller sees only their own.
func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	limit := min(parseIntParam(r, "limit", 100), 1000)
	if limit == 0 {
		limit = 100
	}

	var docs []*documents.Document
	if id, ok := authUser(r); ok {
		doc, err := s.documents.GetByKey(r.Context(), id)
		switch {
		case err == nil:
			docs = []*documents.Document{doc}
		case !errors.Is(err, documents.ErrNotFound):
			s.logger.Error("get user document failed", "user_id", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
			return
		}
	} else {
		var err error
		docs, err = s.documents.List(r.Context(), limit)
		if err != nil {
			s.logger.Error("list user documents failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
			return
		}
	}
	if docs == nil {
		docs = []*documents.Document{}
	}
	s.respond(w, http.StatusOK, UserDocumentList{Documents: docs, Limit: limit})
}

// handleUserPut creates or replaces the profile document. POST answers
// 201, PUT 200.
func (s *Server) handleUserPut(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userPath(w, r)
	if !ok {
		return
	}
	var in UserDocumentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	content := in.text()
	if strings.TrimSpace(content) == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, "content is required")
		return
	}

	meta := maps.Clone(in.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["user_id"] = userID
	if _, ok := meta["source"]; !ok {
		meta["source"] = "document"
	}

	doc, err := s.documents.Upsert(r.Context(), userID, content, meta)
	if err != nil {
		s.logger.Error("upsert user document failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	s.events.Emit(events.SourceAPI, events.KindProfileUpdated, map[string]any{
		"user_id": userID, "source": "document",
	})
	code := http.StatusOK
	if r.Method == http.MethodPost {
		code = http.StatusCreated
	}
	s.respond(w, code, doc)
}

// handleUserDelete removes the profile document and any scent profile.
func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userPath(w, r)
	if !ok {
		return
	}

	docErr := s.documents.Delete(r.Context(), userID)
	if docErr != nil && !errors.Is(docErr, documents.ErrNotFound) {
		s.logger.Error("delete user document failed", "user_id", userID, "error", docErr)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	profErr := s.records.DeleteProfile(r.Context(), userID)
	if profErr != nil && !errors.Is(profErr, records.ErrNotFound) {
		s.logger.Error("delete scent profile failed", "user_id", userID, "error", profErr)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	if docErr != nil && profErr != nil {
		s.errorResponse(w, http.StatusNotFound, "user profile not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScentProfileGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userPath(w, r)
	if !ok {
		return
	}
	p, err := s.records.GetProfile(r.Context(), userID)
	if errors.Is(err, records.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "scent profile not found")
		return
	}
	if err != nil {
		s.logger.Error("get scent profile failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	s.respond(w, http.StatusOK, p)
}

// handleScentProfilePut stores the quiz answers and re-renders the
// user's profile document from them so the next retrieval sees them.
func (s *Server) handleScentProfilePut(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userPath(w, r)
	if !ok {
		return
	}
	var p records.ScentProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	stored, err := s.records.UpsertProfile(r.Context(), userID, p)
	if err != nil {
		s.logger.Error("upsert scent profile failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	meta := map[string]any{"user_id": userID, "source": "scent_profile"}
	if len(p.Elements) > 0 {
		meta["elements"] = p.Elements
	}
	if _, err := s.documents.Upsert(r.Context(), userID, p.Document(), meta); err != nil {
		s.logger.Error("render profile document failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	s.events.Emit(events.SourceAPI, events.KindProfileUpdated, map[string]any{
		"user_id": userID, "source": "scent_profile",
	})
	s.respond(w, http.StatusOK, stored)
}
