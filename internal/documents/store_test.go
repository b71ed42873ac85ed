package documents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/sillage/internal/database"
)

// keywordEmbedder maps text onto a tiny fixed vocabulary so similarity
// is predictable.
type keywordEmbedder struct {
	fail bool
}

var vocab = []string{"vanilla", "citrus", "oud", "rose"}

func (e keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	text = strings.ToLower(text)
	v := make([]float32, len(vocab))
	for i, w := range vocab {
		v[i] = float32(strings.Count(text, w))
	}
	return v, nil
}

func testStore(t *testing.T, embedder Embedder) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(context.Background(), database.DriverPureGo, filepath.Join(t.TempDir(), "docs.db"), logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, embedder, logger)
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	if _, err := s.GetByKey(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByKey(missing) error = %v, want ErrNotFound", err)
	}

	first, err := s.Upsert(ctx, "u1", "Loves vanilla", map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	second, err := s.Upsert(ctx, "u1", "Loves oud now", map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if second.Content != "Loves oud now" {
		t.Errorf("Content = %q", second.Content)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards")
	}
	if second.Metadata["user_id"] != "u1" {
		t.Errorf("Metadata = %v", second.Metadata)
	}

	list, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List len = %d, want 1", len(list))
	}
}

func TestUpsertRequiresKey(t *testing.T) {
	s := testStore(t, nil)
	if _, err := s.Upsert(context.Background(), "", "x", nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "u1", "text", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestSearchTextFallback(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()
	for key, text := range map[string]string{
		"a": "Prefers citrus in summer",
		"b": "Dislikes heavy oud",
		"c": "Wears rose daily",
	} {
		if _, err := s.Upsert(ctx, key, text, map[string]any{"user_id": key}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := s.Search(ctx, "OUD", nil, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Key != "b" {
		t.Errorf("first result = %q, want b", got[0].Key)
	}
}

func TestSearchSemantic(t *testing.T) {
	s := testStore(t, keywordEmbedder{})
	ctx := context.Background()
	docs := map[string]string{
		"a": "citrus citrus and a bit of rose",
		"b": "vanilla vanilla vanilla",
		"c": "rose and oud",
	}
	for key, text := range docs {
		if _, err := s.Upsert(ctx, key, text, nil); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := s.Search(ctx, "something with vanilla", nil, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Key != "b" {
		t.Fatalf("Search = %+v, want [b]", got)
	}
	if got[0].Score <= 0.99 {
		t.Errorf("Score = %v, want ~1", got[0].Score)
	}
}

func TestSearchEmbedderFailureFallsBack(t *testing.T) {
	s := testStore(t, keywordEmbedder{fail: true})
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "a", "rose garden", nil); err != nil {
		t.Fatalf("Upsert should store without embedding: %v", err)
	}
	got, err := s.Search(ctx, "rose", nil, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Key != "a" {
		t.Errorf("Search = %+v", got)
	}
}

func TestSearchFilter(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := s.Upsert(ctx, u, "profile of "+u, map[string]any{"user_id": u}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"nil filter", nil, 3},
		{"exact", Filter{"user_id": "u2"}, 1},
		{"membership", Filter{"user_id": []string{"u1", "u3"}}, 2},
		{"empty string ignored", Filter{"user_id": ""}, 3},
		{"empty list ignored", Filter{"user_id": []string{}}, 3},
		{"no match", Filter{"user_id": "nobody"}, 0},
		{"missing field", Filter{"tier": "gold"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Search(ctx, "", tt.filter, 10)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFilterMatchListMetadata(t *testing.T) {
	meta := map[string]any{"tags": []any{"woody", "fresh"}}
	if !(Filter{"tags": "fresh"}).Match(meta) {
		t.Error("expected list metadata to match a contained value")
	}
	if (Filter{"tags": []string{"sweet", "gourmand"}}).Match(meta) {
		t.Error("expected no match")
	}
}
