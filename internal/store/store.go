// Package store opens the authority event log: Postgres when
// DATABASE_URL is set, otherwise a lite mode (the default for local/dev)
// that opens a local SQLite file but keeps the event log in memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openagents/control/pkg/authority"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open returns the authority.Store backing a deployment: Postgres when
// dbURL is set, otherwise an in-memory store together with an open
// handle to an SQLite file under dataDir that the store does not use.
func Open(ctx context.Context, dbURL, dataDir string) (authority.Store, *sql.DB, error) {
	if dbURL == "" {
		return openLite(ctx, dataDir)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	pg := authority.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate postgres authority store: %w", err)
	}
	slog.Info("authority store: postgres", "connected", true)
	return pg, db, nil
}

func openLite(ctx context.Context, dataDir string) (authority.Store, *sql.DB, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "control.db")
	slog.Info("authority store: sqlite lite mode", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The in-memory MemoryStore is what actually backs authority.Store
	// in lite mode; the sqlite handle is kept open for future
	// persistence of projector/worker-registry snapshots but the event
	// log itself is process-local until a durable lite-mode ledger is
	// needed.
	_ = ctx
	return authority.NewMemoryStore(), db, nil
}
