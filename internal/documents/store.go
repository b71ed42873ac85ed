// Package documents stores one free-text profile document per user and
// supports keyed lookup plus filtered, optionally semantic, search.
package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/sillage/internal/embeddings"
)

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when no document has the requested key.
var ErrNotFound = errors.New("document not found")

// Document is a stored text blob with metadata.
type Document struct {
	Key       string         `json:"key"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Score is the similarity to the search query, when ranked
	// semantically.
	Score float32 `json:"score,omitempty"`

	embedding []float32
}

// Embedder turns text into a vector. *embeddings.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is a SQLite-backed document store. The table is created by the
// database package's migrations.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger
}

// NewStore returns a store. embedder may be nil, in which case search
// falls back to substring matching.
func NewStore(db *sql.DB, embedder Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger}
}

// GetByKey returns the document stored under key, or ErrNotFound.
func (s *Store) GetByKey(ctx context.Context, key string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, content, metadata, embedding, created_at, updated_at FROM documents WHERE key = ?`, key)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// Upsert creates or replaces the document under key. When an embedder
// is configured the content is embedded; embedding failures are logged
// and the document is stored without a vector.
func (s *Store) Upsert(ctx context.Context, key, content string, metadata map[string]any) (*Document, error) {
	if key == "" {
		return nil, errors.New("document key is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var blob []byte
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warn("storing document without embedding", "key", key, "error", err)
		} else {
			blob = embeddings.Encode(vec)
		}
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (key, content, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, key, content, string(meta), blob, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", key, err)
	}
	return s.GetByKey(ctx, key)
}

// Delete removes the document under key, or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns up to limit documents, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT key, content, metadata, embedding, created_at, updated_at
		FROM documents ORDER BY updated_at DESC LIMIT ?`, limit)
}

// Search returns up to k documents matching filter, ranked against
// query. With an embedder, ranking is by cosine similarity; otherwise
// documents containing the query text come first, then by recency.
func (s *Store) Search(ctx context.Context, query string, filter Filter, k int) ([]*Document, error) {
	if k <= 0 {
		k = 4
	}
	all, err := s.query(ctx, `
		SELECT key, content, metadata, embedding, created_at, updated_at
		FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}

	var candidates []*Document
	for _, d := range all {
		if filter.Match(d.Metadata) {
			candidates = append(candidates, d)
		}
	}

	if s.embedder != nil && strings.TrimSpace(query) != "" {
		if ranked, ok := s.rankSemantic(ctx, query, candidates, k); ok {
			return ranked, nil
		}
	}

	q := strings.ToLower(strings.TrimSpace(query))
	sort.SliceStable(candidates, func(i, j int) bool {
		return contains(candidates[i], q) && !contains(candidates[j], q)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func contains(d *Document, q string) bool {
	return q != "" && strings.Contains(strings.ToLower(d.Content), q)
}

func (s *Store) rankSemantic(ctx context.Context, query string, docs []*Document, k int) ([]*Document, bool) {
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("semantic search unavailable, falling back to text match", "error", err)
		return nil, false
	}

	var (
		withVec []*Document
		vectors [][]float32
	)
	for _, d := range docs {
		if len(d.embedding) > 0 {
			withVec = append(withVec, d)
			vectors = append(vectors, d.embedding)
		}
	}

	out := make([]*Document, 0, k)
	for _, i := range embeddings.TopK(qv, vectors, k) {
		d := withVec[i]
		d.Score = embeddings.CosineSimilarity(qv, d.embedding)
		out = append(out, d)
	}
	return out, true
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		d                Document
		meta             string
		blob             []byte
		created, updated string
	)
	if err := row.Scan(&d.Key, &d.Content, &meta, &blob, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("document %s metadata: %w", d.Key, err)
	}
	if len(blob) > 0 {
		vec, err := embeddings.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("document %s embedding: %w", d.Key, err)
		}
		d.embedding = vec
	}
	d.CreatedAt, _ = time.Parse(timeLayout, created)
	d.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &d, nil
}
