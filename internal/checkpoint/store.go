package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/conversation"
)

// Store saves thread state as gzip-compressed JSON rows. The schema is
// created by the database package's migrations.
type Store struct {
	db     *sql.DB
	keep   int
	locks  *threadLocks
	logger *slog.Logger

	// writeMu orders step allocation within this process. SQLite
	// serializes writers across processes.
	writeMu sync.Mutex
}

// NewStore returns a store over db. keep bounds how many checkpoints
// are retained per thread; zero keeps everything.
func NewStore(db *sql.DB, keep int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, keep: keep, locks: newThreadLocks(), logger: logger}
}

// Acquire reserves a thread for one turn. It returns ErrThreadBusy if
// another turn holds it. The returned release func must be called.
func (s *Store) Acquire(threadID string) (release func(), err error) {
	if !s.locks.tryLock(threadID) {
		return nil, ErrThreadBusy
	}
	var once sync.Once
	return func() { once.Do(func() { s.locks.unlock(threadID) }) }, nil
}

// Save writes state as the thread's next checkpoint, tagged with the
// loop phase that produced it.
func (s *Store) Save(ctx context.Context, state *conversation.State, phase string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	blob, err := compress(state)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var step int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step), 0) + 1 FROM checkpoints WHERE thread_id = ?`,
		state.ThreadID,
	).Scan(&step)
	if err != nil {
		return fmt.Errorf("next step: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, step, phase, created_at, message_count, asset_count, byte_size, state_gz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), state.ThreadID, step, phase, now.Format(time.RFC3339Nano),
		len(state.Messages), len(state.Assets), len(blob), blob)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	if s.keep > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE thread_id = ? AND step <= ?`,
			state.ThreadID, step-s.keep,
		); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		"id", id.String()[:8],
		"thread_id", state.ThreadID,
		"step", step,
		"phase", phase,
		"bytes", len(blob),
	)
	return nil
}

// Load returns the thread's most recent state, or ErrNotFound.
func (s *Store) Load(ctx context.Context, threadID string) (*conversation.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, phase, created_at, message_count, asset_count, byte_size, state_gz
		FROM checkpoints WHERE thread_id = ?
		ORDER BY step DESC LIMIT 1
	`, threadID)
	cp, err := scanFull(row)
	if err != nil {
		return nil, err
	}
	return cp.State, nil
}

// Get returns one checkpoint with its state.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, phase, created_at, message_count, asset_count, byte_size, state_gz
		FROM checkpoints WHERE id = ?
	`, id.String())
	return scanFull(row)
}

// List returns a thread's checkpoints newest first, without state.
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, step, phase, created_at, message_count, asset_count, byte_size
		FROM checkpoints WHERE thread_id = ?
		ORDER BY step DESC LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var (
			cp      Checkpoint
			idStr   string
			created string
		)
		if err := rows.Scan(&idStr, &cp.ThreadID, &cp.Step, &cp.Phase, &created, &cp.MessageCount, &cp.AssetCount, &cp.ByteSize); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		cp.ID, _ = uuid.Parse(idStr)
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func scanFull(row *sql.Row) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		idStr   string
		created string
		blob    []byte
	)
	err := row.Scan(&idStr, &cp.ThreadID, &cp.Step, &cp.Phase, &created, &cp.MessageCount, &cp.AssetCount, &cp.ByteSize, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	cp.ID, _ = uuid.Parse(idStr)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

	cp.State, err = decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", idStr, err)
	}
	return &cp, nil
}

func compress(state *conversation.State) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) (*conversation.State, error) {
	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var state conversation.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}
