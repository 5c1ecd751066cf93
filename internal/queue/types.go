package queue

import (
	"context"

	"mailqueue/internal/storage"
)

// Context holds renderer parameters; it is stored as an opaque blob.
type Context = storage.Context

// Recipient is what a Resolver knows about a participant.
type Recipient struct {
	ID    string
	Name  string
	Email string // primary address; "" when none on file
}

// Resolver looks up participants. ok=false means unknown.
type Resolver interface {
	Lookup(ctx context.Context, id string) (r Recipient, ok bool, err error)
}

// Envelope is a fully resolved message handed to a Sender.
type Envelope struct {
	ID        int64
	Recipient string
	Name      string
	Address   string
	To        string // "Name <address>" or the bare address
	Template  string
	Context   Context
}

// Sender delivers one message. Any returned error is treated as permanent
// for that row.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env Envelope) error

func (f SenderFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Pacer is implemented by rate-limited senders. Flush calls Wait with its own
// context before each send, so time spent waiting for a slot does not count
// against the per-send timeout. A Wait error leaves the row pending.
type Pacer interface {
	Wait(ctx context.Context) error
}

type putOptions struct {
	email         string
	context       Context
	userInitiated bool
}

// PutOption customizes a single Put.
type PutOption func(*putOptions)

// WithEmail overrides the recipient's primary address.
func WithEmail(addr string) PutOption {
	return func(o *putOptions) { o.email = addr }
}

// WithContext attaches renderer parameters.
func WithContext(c Context) PutOption {
	return func(o *putOptions) { o.context = c }
}

// SystemGenerated marks the message as not user-initiated: it bypasses the
// throttle and doesn't consume the recipient's budget. Internal callers only.
func SystemGenerated() PutOption {
	return func(o *putOptions) { o.userInitiated = false }
}

func formatTo(name, addr string) string {
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}
