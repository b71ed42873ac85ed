package api

import (
	"net/http"
	"time"

	"github.com/nugget/sillage/internal/usage"
)

// UsageReport is the /usage body.
type UsageReport struct {
	Since   time.Time                 `json:"since"`
	Until   time.Time                 `json:"until"`
	UserID  string                    `json:"user_id,omitempty"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
	// ByUser is only reported for group=user.
	ByUser map[string]*usage.Summary `json:"by_user,omitempty"`
}

// parseSince accepts an RFC 3339 time or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return now.Add(-24 * time.Hour), true
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), true
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

// handleUsage reports token usage for a window. With authentication on,
// callers only see their own usage and group=user is refused.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	now := time.Now()
	q := r.URL.Query()
	since, ok := parseSince(q.Get("since"), now)
	if !ok {
		s.errorResponse(w, http.StatusUnprocessableEntity, "since must be an RFC 3339 time or a duration like 24h")
		return
	}
	until := now
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusUnprocessableEntity, "until must be an RFC 3339 time")
			return
		}
		until = t
	}
	if !until.After(since) {
		s.errorResponse(w, http.StatusUnprocessableEntity, "until must be after since")
		return
	}

	byUserWanted := false
	switch q.Get("group") {
	case "", "model":
	case "user":
		if _, ok := authUser(r); ok {
			s.errorResponse(w, http.StatusForbidden, "per-user usage is not available to authenticated callers")
			return
		}
		byUserWanted = true
	default:
		s.errorResponse(w, http.StatusUnprocessableEntity, "group must be model or user")
		return
	}

	query := usage.Query{Start: since, End: until, UserID: resolveUser(r, q.Get("user_id"))}
	total, err := s.usage.Summary(r.Context(), query)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), query)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}

	report := UsageReport{
		Since:   since.UTC(),
		Until:   until.UTC(),
		UserID:  query.UserID,
		Total:   total,
		ByModel: byModel,
	}
	if byUserWanted {
		report.ByUser, err = s.usage.SummaryByUser(r.Context(), query)
		if err != nil {
			s.logger.Error("usage by user failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
			return
		}
	}
	s.respond(w, http.StatusOK, report)
}
