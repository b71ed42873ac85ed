package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Thread is the listing record for a conversation.
type Thread struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadQuery selects a page of threads. Zero values mean no user
// filter, no search, page 1 and DefaultThreadLimit.
type ThreadQuery struct {
	UserID string
	Q      string
	Page   int
	Limit  int
}

// ThreadPage is one page of ListThreads output.
type ThreadPage struct {
	Threads []Thread `json:"threads"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
	HasMore bool     `json:"has_more"`
}

// Paging bounds for ListThreads.
const (
	DefaultThreadLimit = 20
	MaxThreadLimit     = 100
)

// CreateThread inserts a new thread record. CreatedAt is set to now when
// zero. A duplicate ID returns ErrExists.
func (s *Store) CreateThread(ctx context.Context, t Thread) (*Thread, error) {
	if t.ThreadID == "" || t.UserID == "" {
		return nil, errors.New("thread_id and user_id are required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, user_id, summary, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO NOTHING
	`, t.ThreadID, t.UserID, t.Summary, t.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrExists
	}
	return &t, nil
}

// GetThread returns the thread record, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var (
		t       Thread
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, user_id, summary, created_at FROM threads WHERE thread_id = ?`, threadID,
	).Scan(&t.ThreadID, &t.UserID, &t.Summary, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return &t, nil
}

// ListThreads returns threads newest first. Q is a case-insensitive
// substring match on the summary.
func (s *Store) ListThreads(ctx context.Context, q ThreadQuery) (*ThreadPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Limit < 1:
		q.Limit = DefaultThreadLimit
	case q.Limit > MaxThreadLimit:
		q.Limit = MaxThreadLimit
	}

	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Q != "" {
		where = append(where, `LOWER(summary) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q.Q))+"%")
	}

	query := `SELECT thread_id, user_id, summary, created_at FROM threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, thread_id LIMIT ? OFFSET ?`
	// One extra row tells us whether another page exists.
	args = append(args, q.Limit+1, (q.Page-1)*q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	page := &ThreadPage{Threads: []Thread{}, Page: q.Page, Limit: q.Limit}
	for rows.Next() {
		var (
			t       Thread
			created string
		)
		if err := rows.Scan(&t.ThreadID, &t.UserID, &t.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.CreatedAt, _ = time.Parse(timeLayout, created)
		page.Threads = append(page.Threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Threads) > q.Limit {
		page.HasMore = true
		page.Threads = page.Threads[:q.Limit]
	}
	return page, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
