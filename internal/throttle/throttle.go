// Package throttle rate-limits user-initiated enqueues.
//
// There is no in-memory counter: a check is a count over persisted pending
// rows inside the lookback window, so every instance sharing a store agrees.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailqueue/internal/storage"
)

const (
	DefaultLimit  = 3
	DefaultWindow = 24 * time.Hour
)

var ErrThrottled = errors.New("throttled")

// Error reports a rejected enqueue.
type Error struct {
	Recipient string
	Email     string
	Count     int
	Limit     int
	Window    time.Duration
}

func (e *Error) Error() string {
	key := e.Recipient
	if key == "" {
		key = e.Email
	}
	return fmt.Sprintf("throttled: %d pending messages for %q within %s (limit %d)", e.Count, key, e.Window, e.Limit)
}

func (e *Error) Unwrap() error { return ErrThrottled }

// Policy bounds user-initiated enqueues per recipient and per address.
//
// A zero Window counts every pending row regardless of age.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Default returns the stock policy: three messages per day.
func Default() Policy {
	return Policy{Limit: DefaultLimit, Window: DefaultWindow}
}

// Normalize fills zero/negative fields with defaults.
func (p Policy) Normalize() Policy {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Window < 0 {
		p.Window = DefaultWindow
	}
	return p
}

// Filter returns the count filter for an enqueue to recipient and/or email.
// Rows match on recipient OR email, so changing addresses doesn't reset a
// participant's budget.
func (p Policy) Filter(recipient, email string, now time.Time) storage.Filter {
	f := storage.Filter{
		Recipient:         recipient,
		Email:             email,
		UserInitiatedOnly: true,
	}
	if p.Window > 0 {
		f.Since = now.Add(-p.Window)
	}
	return f
}

// Allow rejects when count prior messages already fill the budget.
func (p Policy) Allow(recipient, email string, count int) error {
	p = p.Normalize()
	if count < p.Limit {
		return nil
	}
	return &Error{Recipient: recipient, Email: email, Count: count, Limit: p.Limit, Window: p.Window}
}

// Counter is the part of storage.Store the policy needs.
type Counter interface {
	Count(ctx context.Context, f storage.Filter) (int, error)
}

// Check counts prior user-initiated pending rows and applies the limit.
// System-generated messages (userInitiated=false) always pass.
func (p Policy) Check(ctx context.Context, c Counter, recipient, email string, userInitiated bool, now time.Time) error {
	if !userInitiated {
		return nil
	}
	if recipient == "" && email == "" {
		return nil
	}
	n, err := c.Count(ctx, p.Filter(recipient, email, now))
	if err != nil {
		return fmt.Errorf("throttle count: %w", err)
	}
	return p.Allow(recipient, email, n)
}
