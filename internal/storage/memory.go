package storage

import (
	"context"
	"maps"
	"sync"
	"time"
)

// memStore keeps rows in insertion order behind a single mutex.
type memStore struct {
	mu     sync.Mutex
	tx     memTx
	closed bool
}

// memTx implements Store without locking; callers hold memStore.mu.
type memTx struct {
	rows   []Message // sorted by ID
	nextID int64
	now    func() time.Time
	leases map[string]memLease
}

type memLease struct {
	owner string
	until time.Time
}

// NewMemory returns an in-process Store. now may be nil.
func NewMemory(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memStore{tx: memTx{nextID: 1, now: now}}
}

func (s *memStore) do(fn func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&s.tx)
}

func (s *memStore) Insert(ctx context.Context, m Message) (id int64, err error) {
	err = s.do(func(tx *memTx) error {
		id, err = tx.Insert(ctx, m)
		return err
	})
	return id, err
}

func (s *memStore) Count(ctx context.Context, f Filter) (n int, err error) {
	err = s.do(func(tx *memTx) error {
		n, err = tx.Count(ctx, f)
		return err
	})
	return n, err
}

func (s *memStore) ScanPending(ctx context.Context, afterID int64, limit int) (out []Message, err error) {
	err = s.do(func(tx *memTx) error {
		out, err = tx.ScanPending(ctx, afterID, limit)
		return err
	})
	return out, err
}

func (s *memStore) Get(ctx context.Context, id int64) (m Message, err error) {
	err = s.do(func(tx *memTx) error {
		m, err = tx.Get(ctx, id)
		return err
	})
	return m, err
}

func (s *memStore) Delete(ctx context.Context, id int64) error {
	return s.do(func(tx *memTx) error { return tx.Delete(ctx, id) })
}

func (s *memStore) MarkDead(ctx context.Context, id int64) error {
	return s.do(func(tx *memTx) error { return tx.MarkDead(ctx, id) })
}

func (s *memStore) ListDead(ctx context.Context) (out []Message, err error) {
	err = s.do(func(tx *memTx) error {
		out, err = tx.ListDead(ctx)
		return err
	})
	return out, err
}

func (s *memStore) CountDead(ctx context.Context) (n int, err error) {
	err = s.do(func(tx *memTx) error {
		n, err = tx.CountDead(ctx)
		return err
	})
	return n, err
}

func (s *memStore) CountTotal(ctx context.Context) (n int, err error) {
	err = s.do(func(tx *memTx) error {
		n, err = tx.CountTotal(ctx)
		return err
	})
	return n, err
}

func (s *memStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (ok bool, err error) {
	err = s.do(func(tx *memTx) error {
		ok, err = tx.AcquireLease(ctx, name, owner, ttl)
		return err
	})
	return ok, err
}

func (s *memStore) ReleaseLease(ctx context.Context, name, owner string) error {
	return s.do(func(tx *memTx) error { return tx.ReleaseLease(ctx, name, owner) })
}

// Atomic holds the store lock for the whole of fn. Changes are applied to a
// copy and swapped in only when fn succeeds.
func (s *memStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.do(func(tx *memTx) error {
		work := &memTx{rows: cloneRows(tx.rows), nextID: tx.nextID, now: tx.now, leases: maps.Clone(tx.leases)}
		if err := fn(ctx, work); err != nil {
			return err
		}
		*tx = *work
		return nil
	})
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (t *memTx) Insert(ctx context.Context, m Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, err := normalizeContext(m.Context)
	if err != nil {
		return 0, err
	}
	m.ID = t.nextID
	t.nextID++
	m.CreatedAt = t.now().Truncate(time.Millisecond)
	m.Dead = false
	m.Context = c
	t.rows = append(t.rows, m)
	return m.ID, nil
}

func (t *memTx) Count(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range t.rows {
		if matchFilter(r, f) {
			n++
		}
	}
	return n, nil
}

func matchFilter(r Message, f Filter) bool {
	if r.Dead {
		return false
	}
	if f.UserInitiatedOnly && !r.UserInitiated {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if f.Recipient == "" && f.Email == "" {
		return true
	}
	return (f.Recipient != "" && r.Recipient == f.Recipient) ||
		(f.Email != "" && r.Email == f.Email)
}

func (t *memTx) ScanPending(ctx context.Context, afterID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Message
	for _, r := range t.rows {
		if r.Dead || r.ID <= afterID {
			continue
		}
		out = append(out, copyRow(r))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) Get(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	i := t.index(id)
	if i < 0 {
		return Message{}, ErrNotFound
	}
	return copyRow(t.rows[i]), nil
}

func (t *memTx) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i := t.index(id); i >= 0 {
		t.rows = append(t.rows[:i], t.rows[i+1:]...)
	}
	return nil
}

func (t *memTx) MarkDead(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i := t.index(id)
	if i < 0 {
		return ErrNotFound
	}
	t.rows[i].Dead = true
	return nil
}

func (t *memTx) ListDead(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Message
	for _, r := range t.rows {
		if r.Dead {
			out = append(out, copyRow(r))
		}
	}
	return out, nil
}

func (t *memTx) CountDead(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range t.rows {
		if r.Dead {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountTotal(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

func (t *memTx) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := t.now()
	if cur, ok := t.leases[name]; ok && cur.owner != owner && now.Before(cur.until) {
		return false, nil
	}
	if t.leases == nil {
		t.leases = make(map[string]memLease)
	}
	t.leases[name] = memLease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (t *memTx) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cur, ok := t.leases[name]; ok && cur.owner == owner {
		delete(t.leases, name)
	}
	return nil
}

func (t *memTx) Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (t *memTx) Close() error { return nil }

// index finds id by binary search; rows are appended with increasing IDs.
func (t *memTx) index(id int64) int {
	lo, hi := 0, len(t.rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.rows[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(t.rows) && t.rows[lo].ID == id {
		return lo
	}
	return -1
}

// copyRow detaches the context so callers can't mutate stored rows,
// including nested maps and slices.
func copyRow(r Message) Message {
	if r.Context != nil {
		r.Context = deepCopy(r.Context).(map[string]any)
	}
	return r
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case Context:
		return deepCopy(map[string]any(x))
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}

func cloneRows(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
