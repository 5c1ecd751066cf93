package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailqueue/internal/queue"
	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

func TestPacedLimitsRate(t *testing.T) {
	t.Parallel()
	calls := 0
	next := queue.SenderFunc(func(context.Context, queue.Envelope) error {
		calls++
		return nil
	})
	p := NewPaced(next, 10)
	start := time.Now()
	for i := 0; i < 15; i++ {
		if err := p.Send(context.Background(), queue.Envelope{ID: int64(i)}); err != nil {
			t.Fatalf("Send #%d error: %v", i, err)
		}
	}
	if calls != 15 {
		t.Fatalf("calls = %d, want 15", calls)
	}
	// Burst of 10, then 5 more at 10/s.
	if took := time.Since(start); took < 400*time.Millisecond {
		t.Fatalf("15 sends took %v, expected pacing", took)
	}
}

func TestPacedHonorsCancellation(t *testing.T) {
	t.Parallel()
	next := queue.SenderFunc(func(context.Context, queue.Envelope) error { return nil })
	p := NewPaced(next, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Send(ctx, queue.Envelope{}); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	cancel()
	if err := p.Send(ctx, queue.Envelope{}); err == nil {
		t.Fatal("expected error after cancel")
	}
}

func TestPacedWaitReservesSlotForSend(t *testing.T) {
	t.Parallel()
	next := queue.SenderFunc(func(ctx context.Context, _ queue.Envelope) error { return ctx.Err() })
	p := NewPaced(next, 1)
	if err := p.Send(context.Background(), queue.Envelope{ID: 1}); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Send(ctx, queue.Envelope{ID: 2}); err != nil {
		t.Fatalf("Send after Wait error = %v, want nil", err)
	}
}

func TestPacedFlushKeepsRowsAlive(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory(nil)
	t.Cleanup(func() { _ = store.Close() })
	var delivered []int64
	next := queue.SenderFunc(func(_ context.Context, env queue.Envelope) error {
		delivered = append(delivered, env.ID)
		return nil
	})
	q := queue.New(store, NewPaced(next, 1), queue.Options{SendTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := q.Put(ctx, "", "base", queue.WithEmail("a@example.com")); err != nil {
			t.Fatalf("Put error: %v", err)
		}
	}
	n, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	if n != 2 || len(delivered) != 2 {
		t.Fatalf("sent = %d (delivered %v), want 2", n, delivered)
	}
	if dead, _ := store.CountDead(ctx); dead != 0 {
		t.Fatalf("dead = %d, want 0", dead)
	}
}

func TestPacedPassesErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("rejected")
	p := NewPaced(queue.SenderFunc(func(context.Context, queue.Envelope) error { return boom }), 0)
	if err := p.Send(context.Background(), queue.Envelope{}); !errors.Is(err, boom) {
		t.Fatalf("Send error = %v, want %v", err, boom)
	}
}

func TestNewDriver(t *testing.T) {
	t.Parallel()
	s, err := New("log", logx.Nop())
	if err != nil {
		t.Fatalf("New(log) error: %v", err)
	}
	if err := s.Send(context.Background(), queue.Envelope{ID: 1, To: "a@example.com", Template: "base"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if _, err := New("smtp", logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
