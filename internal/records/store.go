// Package records keeps the small relational records that sit beside
// conversations: thread summaries for listing and per-user scent
// profiles captured by the preferences quiz.
package records

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a thread whose ID is taken.
	ErrExists = errors.New("record already exists")
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store reads and writes thread and scent profile records. Tables are
// created by the database package's migrations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore returns a records store backed by db.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}
