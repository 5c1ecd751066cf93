package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "mailqueue/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := newSQLStore(db, dialect{
		name:     "postgres",
		numbered: true,
		// Throttle count + insert must not interleave across connections.
		lockStmt: "LOCK TABLE email_queue IN SHARE ROW EXCLUSIVE MODE",
	}, log, cfg.Now)
	if err := st.migrate(ctx, postgresMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store ready")
	return st, nil
}
