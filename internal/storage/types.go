package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: message not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (default when Driver is empty)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the insert clock. Nil means time.Now.
	Now func() time.Time
}

// Context holds the renderer parameters of a message. Opaque to the queue.
type Context map[string]any

// Message is one queued email row.
type Message struct {
	ID            int64
	Recipient     string // participant identity; "" when anonymous
	Email         string // resolved destination; "" when unknown
	Template      string
	Context       Context
	CreatedAt     time.Time
	UserInitiated bool
	Dead          bool
}

// Filter selects pending (non-dead) rows for Count.
//
// Recipient and Email are OR-ed together when both are set; empty keys are
// ignored. A zero Since means no lower bound on created_at.
type Filter struct {
	Recipient         string
	Email             string
	Since             time.Time
	UserInitiatedOnly bool
}

// Store is the persistence API used by the queue.
//
// Insert assigns ID and CreatedAt; the caller's values are ignored.
// ScanPending returns up to limit non-dead rows with ID > afterID in ID order.
type Store interface {
	Insert(ctx context.Context, m Message) (int64, error)
	Count(ctx context.Context, f Filter) (int, error)
	ScanPending(ctx context.Context, afterID int64, limit int) ([]Message, error)
	Get(ctx context.Context, id int64) (Message, error)
	Delete(ctx context.Context, id int64) error
	MarkDead(ctx context.Context, id int64) error
	ListDead(ctx context.Context) ([]Message, error)
	CountDead(ctx context.Context) (int, error)
	CountTotal(ctx context.Context) (int, error)

	// AcquireLease takes the named lease for owner until ttl from now, or
	// extends it when owner already holds it. It reports false while another
	// owner holds an unexpired lease. Leases live in the store, so they are
	// shared by every process using the same database.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, name, owner string) error

	// Atomic runs fn against a view of the store whose operations commit or
	// roll back together. Calling Atomic on that view runs fn inline.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Close() error
}
