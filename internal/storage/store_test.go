package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "mailqueue/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// forEachDriver runs fn against every driver that works without external services.
func forEachDriver(t *testing.T, fn func(t *testing.T, st Store, clock *fakeClock)) {
	t.Helper()
	drivers := []struct {
		name string
		cfg  func(t *testing.T) Config
	}{
		{name: "memory", cfg: func(t *testing.T) Config { return Config{Driver: "memory"} }},
		{name: "sqlite", cfg: func(t *testing.T) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db"), BusyTimeout: time.Second}
		}},
	}
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			clock := newClock()
			cfg := d.cfg(t)
			cfg.Now = clock.Now
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s) error: %v", d.name, err)
			}
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st, clock)
		})
	}
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clock *fakeClock) {
		ctx := context.Background()
		id1, err := st.Insert(ctx, Message{Recipient: "alice", Email: "alice@example.com", Template: "base", UserInitiated: true, Dead: true})
		if err != nil {
			t.Fatalf("Insert error: %v", err)
		}
		id2, err := st.Insert(ctx, Message{Email: "bob@example.com", Template: "verify", Context: Context{"link": "https://x/y", "n": 2}})
		if err != nil {
			t.Fatalf("Insert error: %v", err)
		}
		if id2 <= id1 {
			t.Fatalf("ids not increasing: %d then %d", id1, id2)
		}

		got, err := st.Get(ctx, id1)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Dead {
			t.Fatal("fresh row must not be dead")
		}
		if !got.CreatedAt.Equal(clock.Now()) {
			t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, clock.Now())
		}
		if got.Recipient != "alice" || got.Email != "alice@example.com" || got.Template != "base" || !got.UserInitiated {
			t.Fatalf("unexpected row: %+v", got)
		}

		got2, err := st.Get(ctx, id2)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got2.Recipient != "" {
			t.Fatalf("Recipient = %q, want empty", got2.Recipient)
		}
		if got2.Context["link"] != "https://x/y" {
			t.Fatalf("Context[link] = %v", got2.Context["link"])
		}
		if got2.Context["n"] != int64(2) {
			t.Fatalf("Context[n] = %#v, want int64(2)", got2.Context["n"])
		}
	})
}

func TestContextShapesMatchAcrossDrivers(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, _ *fakeClock) {
		ctx := context.Background()
		in := Context{
			"n":     2,
			"neg":   -1,
			"big":   uint32(70000),
			"ratio": 0.5,
			"ok":    true,
			"tags":  []string{"a", "b"},
			"user":  map[string]any{"age": 30},
		}
		id, err := st.Insert(ctx, Message{Email: "a@b.c", Template: "base", Context: in})
		if err != nil {
			t.Fatalf("Insert error: %v", err)
		}
		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		c := got.Context
		tests := []struct {
			key  string
			want any
		}{
			{key: "n", want: int64(2)},
			{key: "neg", want: int64(-1)},
			{key: "big", want: int64(70000)},
			{key: "ratio", want: 0.5},
			{key: "ok", want: true},
		}
		for _, tt := range tests {
			if c[tt.key] != tt.want {
				t.Fatalf("Context[%s] = %#v, want %#v", tt.key, c[tt.key], tt.want)
			}
		}
		tags, ok := c["tags"].([]any)
		if !ok || len(tags) != 2 || tags[0] != "a" {
			t.Fatalf("Context[tags] = %#v", c["tags"])
		}
		user, ok := c["user"].(map[string]any)
		if !ok || user["age"] != int64(30) {
			t.Fatalf("Context[user] = %#v", c["user"])
		}

		// Stored rows are detached from the returned copy.
		user["age"] = int64(99)
		again, _ := st.Get(ctx, id)
		if again.Context["user"].(map[string]any)["age"] != int64(30) {
			t.Fatal("mutating a returned context changed the stored row")
		}
	})
}

func TestIDsAreNotReused(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, _ *fakeClock) {
		ctx := context.Background()
		id1, _ := st.Insert(ctx, Message{Email: "a@b.c", Template: "base"})
		if err := st.Delete(ctx, id1); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		id2, err := st.Insert(ctx, Message{Email: "a@b.c", Template: "base"})
		if err != nil {
			t.Fatalf("Insert error: %v", err)
		}
		if id2 == id1 {
			t.Fatalf("id %d reused", id1)
		}
	})
}

func TestCountFilter(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clock *fakeClock) {
		ctx := context.Background()
		mustInsert := func(m Message) int64 {
			t.Helper()
			id, err := st.Insert(ctx, m)
			if err != nil {
				t.Fatalf("Insert error: %v", err)
			}
			return id
		}

		old := mustInsert(Message{Recipient: "alice", Email: "a@x", Template: "base", UserInitiated: true})
		clock.Advance(2 * time.Hour)
		mustInsert(Message{Recipient: "alice", Email: "b@x", Template: "base", UserInitiated: true})
		mustInsert(Message{Recipient: "alice", Email: "c@x", Template: "base", UserInitiated: false})
		mustInsert(Message{Email: "c@x", Template: "base", UserInitiated: true})
		dead := mustInsert(Message{Recipient: "alice", Template: "base", UserInitiated: true})
		if err := st.MarkDead(ctx, dead); err != nil {
			t.Fatalf("MarkDead error: %v", err)
		}
		_ = old

		since := clock.Now().Add(-time.Hour)
		tests := []struct {
			name string
			f    Filter
			want int
		}{
			{name: "recipient all", f: Filter{Recipient: "alice"}, want: 3},
			{name: "recipient user initiated", f: Filter{Recipient: "alice", UserInitiatedOnly: true}, want: 2},
			{name: "recipient windowed", f: Filter{Recipient: "alice", UserInitiatedOnly: true, Since: since}, want: 1},
			{name: "email only", f: Filter{Email: "c@x"}, want: 2},
			{name: "union", f: Filter{Recipient: "alice", Email: "c@x", UserInitiatedOnly: true}, want: 3},
			{name: "no keys", f: Filter{}, want: 4},
			{name: "unknown", f: Filter{Recipient: "bob"}, want: 0},
		}
		for _, tt := range tests {
			got, err := st.Count(ctx, tt.f)
			if err != nil {
				t.Fatalf("%s: Count error: %v", tt.name, err)
			}
			if got != tt.want {
				t.Fatalf("%s: Count = %d, want %d", tt.name, got, tt.want)
			}
		}
	})
}

func TestScanPendingOrderAndPaging(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, _ *fakeClock) {
		ctx := context.Background()
		var ids []int64
		for i := 0; i < 5; i++ {
			id, err := st.Insert(ctx, Message{Email: "a@b.c", Template: "base"})
			if err != nil {
				t.Fatalf("Insert error: %v", err)
			}
			ids = append(ids, id)
		}
		if err := st.MarkDead(ctx, ids[1]); err != nil {
			t.Fatalf("MarkDead error: %v", err)
		}

		first, err := st.ScanPending(ctx, 0, 2)
		if err != nil {
			t.Fatalf("ScanPending error: %v", err)
		}
		if len(first) != 2 || first[0].ID != ids[0] || first[1].ID != ids[2] {
			t.Fatalf("first page = %+v", first)
		}
		rest, err := st.ScanPending(ctx, first[1].ID, 10)
		if err != nil {
			t.Fatalf("ScanPending error: %v", err)
		}
		if len(rest) != 2 || rest[0].ID != ids[3] || rest[1].ID != ids[4] {
			t.Fatalf("second page = %+v", rest)
		}
	})
}

func TestDeadAndTotalCounts(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, _ *fakeClock) {
		ctx := context.Background()
		var ids []int64
		for i := 0; i < 3; i++ {
			id, _ := st.Insert(ctx, Message{Email: "a@b.c", Template: "base"})
			ids = append(ids, id)
		}
		if err := st.MarkDead(ctx, ids[0]); err != nil {
			t.Fatalf("MarkDead error: %v", err)
		}
		dead, err := st.CountDead(ctx)
		if err != nil || dead != 1 {
			t.Fatalf("CountDead = %d, %v; want 1", dead, err)
		}
		total, err := st.CountTotal(ctx)
		if err != nil || total != 3 {
			t.Fatalf("CountTotal = %d, %v; want 3", total, err)
		}
		list, err := st.ListDead(ctx)
		if err != nil {
			t.Fatalf("ListDead error: %v", err)
		}
		if len(list) != 1 || list[0].ID != ids[0] || !list[0].Dead {
			t.Fatalf("ListDead = %+v", list)
		}
		if err := st.MarkDead(ctx, 9999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("MarkDead(missing) = %v, want ErrNotFound", err)
		}
		if _, err := st.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestAtomicRollsBackOnError(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, _ *fakeClock) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := st.Atomic(ctx, func(ctx context.Context, tx Store) error {
			if _, err := tx.Insert(ctx, Message{Email: "a@b.c", Template: "base"}); err != nil {
				return err
			}
			n, err := tx.CountTotal(ctx)
			if err != nil {
				return err
			}
			if n != 1 {
				t.Errorf("in-tx CountTotal = %d, want 1", n)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Atomic error = %v, want boom", err)
		}
		n, err := st.CountTotal(ctx)
		if err != nil || n != 0 {
			t.Fatalf("CountTotal after rollback = %d, %v; want 0", n, err)
		}

		err = st.Atomic(ctx, func(ctx context.Context, tx Store) error {
			_, err := tx.Insert(ctx, Message{Email: "a@b.c", Template: "base"})
			return err
		})
		if err != nil {
			t.Fatalf("Atomic error: %v", err)
		}
		if n, _ := st.CountTotal(ctx); n != 1 {
			t.Fatalf("CountTotal after commit = %d, want 1", n)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestLeaseIsExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store, clock *fakeClock) {
		ctx := context.Background()
		acquire := func(owner string) bool {
			t.Helper()
			ok, err := st.AcquireLease(ctx, "flush", owner, time.Minute)
			if err != nil {
				t.Fatalf("AcquireLease(%s) error: %v", owner, err)
			}
			return ok
		}

		steps := []struct {
			name    string
			advance time.Duration
			owner   string
			want    bool
		}{
			{name: "first owner takes it", owner: "a", want: true},
			{name: "second owner is refused", owner: "b", want: false},
			{name: "holder renews", advance: 50 * time.Second, owner: "a", want: true},
			{name: "renewal pushes expiry", advance: 30 * time.Second, owner: "b", want: false},
			{name: "expired lease is taken over", advance: 31 * time.Second, owner: "b", want: true},
			{name: "previous holder is refused", owner: "a", want: false},
		}
		for _, s := range steps {
			clock.Advance(s.advance)
			if got := acquire(s.owner); got != s.want {
				t.Fatalf("%s: AcquireLease(%s) = %v, want %v", s.name, s.owner, got, s.want)
			}
		}

		// Only the holder can release.
		if err := st.ReleaseLease(ctx, "flush", "a"); err != nil {
			t.Fatalf("ReleaseLease(a) error: %v", err)
		}
		if acquire("c") {
			t.Fatal("AcquireLease(c) = true after a non-holder released")
		}
		if err := st.ReleaseLease(ctx, "flush", "b"); err != nil {
			t.Fatalf("ReleaseLease(b) error: %v", err)
		}
		if !acquire("c") {
			t.Fatal("AcquireLease(c) = false after the holder released")
		}
		if ok, err := st.AcquireLease(ctx, "other", "a", time.Minute); err != nil || !ok {
			t.Fatalf("AcquireLease(other) = %v, %v; want true", ok, err)
		}
	})
}

func TestContextCodecRoundTrip(t *testing.T) {
	t.Parallel()
	in := Context{
		"name":  "alice",
		"count": uint64(3),
		"nested": map[string]any{
			"link": "https://example.com",
		},
	}
	b, err := EncodeContext(in)
	if err != nil {
		t.Fatalf("EncodeContext error: %v", err)
	}
	out, err := DecodeContext(b)
	if err != nil {
		t.Fatalf("DecodeContext error: %v", err)
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested = %T, want map[string]any", out["nested"])
	}
	if nested["link"] != "https://example.com" || out["name"] != "alice" {
		t.Fatalf("round trip mismatch: %#v", out)
	}
	if out["count"] != int64(3) {
		t.Fatalf("count = %#v, want int64(3)", out["count"])
	}
	if c, err := DecodeContext(nil); err != nil || c != nil {
		t.Fatalf("DecodeContext(nil) = %v, %v", c, err)
	}
}
