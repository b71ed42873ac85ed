package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestOpenMigrates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sillage.db")
			db, err := Open(context.Background(), driver, path, logger)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer db.Close()

			for _, table := range []string{"checkpoints", "documents", "threads", "scent_profiles", "usage_records"} {
				var name string
				err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
				if err != nil {
					t.Errorf("table %s missing: %v", table, err)
				}
			}

			// Reapplying is a no-op.
			if err := Migrate(context.Background(), db, logger); err != nil {
				t.Errorf("second Migrate: %v", err)
			}
		})
	}
}

func TestDSNUnknownDriver(t *testing.T) {
	if _, err := DSN("postgres", "x"); err == nil {
		t.Error("DSN accepted unknown driver")
	}
}
