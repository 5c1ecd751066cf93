package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "mailqueue/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes Atomic callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, dialect{name: "sqlite"}, log, cfg.Now)
	if err := st.migrate(context.Background(), sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}
