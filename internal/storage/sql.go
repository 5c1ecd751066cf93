package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "mailqueue/pkg/logx"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the few differences between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of "?"
	numbered bool
	// lockStmt runs first inside Atomic to serialize writers; empty to skip.
	lockStmt string
}

// sqlStore is the database/sql backend shared by the sqlite and postgres drivers.
type sqlStore struct {
	db  *sql.DB
	q   querier
	tx  bool
	d   dialect
	log logx.Logger
	now func() time.Time
}

const selectColumns = `id, recipient, email, template, context, created_at, user_initiated, dead`

func newSQLStore(db *sql.DB, d dialect, log logx.Logger, now func() time.Time) *sqlStore {
	if now == nil {
		now = time.Now
	}
	return &sqlStore{db: db, q: db, d: d, log: log, now: now}
}

// bind rewrites "?" placeholders for dialects that number them.
func (s *sqlStore) bind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil || s.tx {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Insert(ctx context.Context, m Message) (int64, error) {
	blob, err := EncodeContext(m.Context)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.q.QueryRowContext(ctx, s.bind(
		`INSERT INTO email_queue(recipient, email, template, context, created_at, user_initiated, dead)
		 VALUES(?,?,?,?,?,?,?) RETURNING id`),
		nullStr(m.Recipient), nullStr(m.Email), m.Template, blob,
		s.now().UnixMilli(), m.UserInitiated, false,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert email_queue: %w", err)
	}
	return id, nil
}

func (s *sqlStore) Count(ctx context.Context, f Filter) (int, error) {
	where := []string{"dead = ?"}
	args := []any{false}
	if f.UserInitiatedOnly {
		where = append(where, "user_initiated = ?")
		args = append(args, true)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	var keys []string
	if f.Recipient != "" {
		keys = append(keys, "recipient = ?")
		args = append(args, f.Recipient)
	}
	if f.Email != "" {
		keys = append(keys, "email = ?")
		args = append(args, f.Email)
	}
	if len(keys) > 0 {
		where = append(where, "("+strings.Join(keys, " OR ")+")")
	}

	var n int
	q := `SELECT COUNT(*) FROM email_queue WHERE ` + strings.Join(where, " AND ")
	if err := s.q.QueryRowContext(ctx, s.bind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count email_queue: %w", err)
	}
	return n, nil
}

func (s *sqlStore) ScanPending(ctx context.Context, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, s.bind(
		`SELECT `+selectColumns+` FROM email_queue WHERE dead = ? AND id > ? ORDER BY id LIMIT ?`),
		false, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan email_queue: %w", err)
	}
	return collectRows(rows)
}

func (s *sqlStore) Get(ctx context.Context, id int64) (Message, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(`SELECT `+selectColumns+` FROM email_queue WHERE id = ?`), id)
	if err != nil {
		return Message{}, fmt.Errorf("get email_queue: %w", err)
	}
	out, err := collectRows(rows)
	if err != nil {
		return Message{}, err
	}
	if len(out) == 0 {
		return Message{}, ErrNotFound
	}
	return out[0], nil
}

func (s *sqlStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx, s.bind(`DELETE FROM email_queue WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete email_queue %d: %w", id, err)
	}
	return nil
}

func (s *sqlStore) MarkDead(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, s.bind(`UPDATE email_queue SET dead = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("mark dead %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListDead(ctx context.Context) ([]Message, error) {
	rows, err := s.q.QueryContext(ctx, s.bind(`SELECT `+selectColumns+` FROM email_queue WHERE dead = ? ORDER BY id`), true)
	if err != nil {
		return nil, fmt.Errorf("list dead: %w", err)
	}
	return collectRows(rows)
}

func (s *sqlStore) CountDead(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM email_queue WHERE dead = ?`), true).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead: %w", err)
	}
	return n, nil
}

func (s *sqlStore) CountTotal(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count total: %w", err)
	}
	return n, nil
}

func (s *sqlStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (ok bool, err error) {
	err = s.Atomic(ctx, func(ctx context.Context, tx Store) error {
		t := tx.(*sqlStore)
		now := t.now().UnixMilli()
		var (
			cur     string
			expires int64
		)
		err := t.q.QueryRowContext(ctx, t.bind(`SELECT owner, expires_at FROM queue_lease WHERE name = ?`), name).Scan(&cur, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read lease %s: %w", name, err)
		case cur != owner && expires > now:
			return nil
		}
		if _, err := t.q.ExecContext(ctx, t.bind(`DELETE FROM queue_lease WHERE name = ?`), name); err != nil {
			return fmt.Errorf("clear lease %s: %w", name, err)
		}
		if _, err := t.q.ExecContext(ctx, t.bind(`INSERT INTO queue_lease(name, owner, expires_at) VALUES(?,?,?)`),
			name, owner, now+ttl.Milliseconds()); err != nil {
			return fmt.Errorf("write lease %s: %w", name, err)
		}
		ok = true
		return nil
	})
	return ok, err
}

func (s *sqlStore) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.q.ExecContext(ctx, s.bind(`DELETE FROM queue_lease WHERE name = ? AND owner = ?`), name, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func (s *sqlStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) (err error) {
	if s.tx {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Warn("rollback failed", logx.Err(rbErr))
			}
		}
	}()

	if s.d.lockStmt != "" {
		if _, err = tx.ExecContext(ctx, s.d.lockStmt); err != nil {
			return fmt.Errorf("lock email_queue: %w", err)
		}
	}

	child := &sqlStore{db: s.db, q: tx, tx: true, d: s.d, log: s.log, now: s.now}
	if err = fn(ctx, child); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func collectRows(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m         Message
			recipient sql.NullString
			email     sql.NullString
			blob      []byte
			created   int64
		)
		if err := rows.Scan(&m.ID, &recipient, &email, &m.Template, &blob, &created, &m.UserInitiated, &m.Dead); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		c, err := DecodeContext(blob)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", m.ID, err)
		}
		m.Recipient = recipient.String
		m.Email = email.String
		m.Context = c
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
