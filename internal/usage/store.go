// Package usage is the token ledger. Every model call the concierge
// makes is appended with its token counts and computed cost, and the
// API aggregates the ledger by time window, user and model.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/config"
)

// timeFormat sorts lexically, so windows compare as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one model call's token usage.
type Record struct {
	ID           string    `json:"id"`
	RecordedAt   time.Time `json:"recorded_at"`
	ThreadID     string    `json:"thread_id"`
	UserID       string    `json:"user_id,omitempty"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	Round        int       `json:"round"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary is an aggregate over records.
type Summary struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Query selects records recorded in [Start, End). UserID narrows the
// query to one user when set.
type Query struct {
	Start  time.Time
	End    time.Time
	UserID string
}

// Store is an append-only ledger in the shared database.
type Store struct {
	db         *sql.DB
	pricing    map[string]config.PricingEntry
	providerOf func(model string) string
	logger     *slog.Logger
}

// NewStore returns a ledger. providerOf names the provider serving a
// model and may be nil.
func NewStore(db *sql.DB, pricing map[string]config.PricingEntry, providerOf func(string) string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, pricing: pricing, providerOf: providerOf, logger: logger}
}

// Record appends rec. ID, RecordedAt, Provider and CostUSD are filled
// in when zero.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if rec.Provider == "" && s.providerOf != nil {
		rec.Provider = s.providerOf(rec.Model)
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, recorded_at, thread_id, user_id, model, provider, round, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RecordedAt.UTC().Format(timeFormat),
		rec.ThreadID,
		rec.UserID,
		rec.Model,
		rec.Provider,
		rec.Round,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	s.logger.Debug("usage recorded",
		"thread_id", rec.ThreadID,
		"model", rec.Model,
		"tokens_in", rec.InputTokens,
		"tokens_out", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)
	return nil
}

// where renders q as a WHERE clause and its arguments.
func (q Query) where() (string, []any) {
	clause := "WHERE recorded_at >= ? AND recorded_at < ?"
	args := []any{q.Start.UTC().Format(timeFormat), q.End.UTC().Format(timeFormat)}
	if q.UserID != "" {
		clause += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	return clause, args
}

// Summary totals the records matching q.
func (s *Store) Summary(ctx context.Context, q Query) (*Summary, error) {
	where, args := q.where()
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records `+where, args...)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel totals the records matching q per model.
func (s *Store) SummaryByModel(ctx context.Context, q Query) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", q)
}

// SummaryByUser totals the records matching q per user.
func (s *Store) SummaryByUser(ctx context.Context, q Query) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "user_id", q)
}

// column is always one of our own constants.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, q Query) (map[string]*Summary, error) {
	where, args := q.where()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM usage_records %s
		 GROUP BY %s`, column, where, column), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

// ComputeCost prices a call from the per-million token table. Unknown
// models cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion + float64(outputTokens)/1_000_000*p.OutputPerMillion
}
