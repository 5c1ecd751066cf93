package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailqueue/internal/metrics"
	"mailqueue/internal/storage"
	"mailqueue/internal/throttle"
	logx "mailqueue/pkg/logx"
)

// DefaultLeaseTTL is the flush lease lifetime when Options.LeaseTTL is unset.
const DefaultLeaseTTL = 5 * time.Minute

// Options configures a Queue. Zero values pick defaults.
type Options struct {
	Policy   throttle.Policy
	Resolver Resolver
	Logger   logx.Logger

	// ScanBatch is the number of rows Flush loads per store round trip.
	ScanBatch int
	// SendTimeout bounds each Sender call; 0 disables the bound.
	SendTimeout time.Duration
	// LeaseTTL is how long a Flush holds the store's flush lease between
	// renewals. Default 5m; never less than twice SendTimeout.
	LeaseTTL time.Duration

	// Now is the throttle window clock. It should match the store's clock.
	Now func() time.Time
}

// Queue owns a Store and a Sender. It is safe for concurrent Put; Flush is
// serialized internally.
type Queue struct {
	store    storage.Store
	sender   Sender
	resolver Resolver
	log      logx.Logger
	now      func() time.Time
	leaseTTL time.Duration

	mu          sync.RWMutex
	policy      throttle.Policy
	scanBatch   int
	sendTimeout time.Duration

	flushMu sync.Mutex
}

func New(store storage.Store, sender Sender, opts Options) *Queue {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	q := &Queue{
		store:    store,
		sender:   sender,
		resolver: opts.Resolver,
		log:      opts.Logger,
		now:      opts.Now,
		leaseTTL: opts.LeaseTTL,
	}
	q.Apply(opts.Policy, opts.ScanBatch, opts.SendTimeout)
	return q
}

// Apply swaps the runtime knobs (used on config reload).
func (q *Queue) Apply(policy throttle.Policy, scanBatch int, sendTimeout time.Duration) {
	if scanBatch <= 0 {
		scanBatch = 100
	}
	if sendTimeout < 0 {
		sendTimeout = 0
	}
	q.mu.Lock()
	q.policy = policy.Normalize()
	q.scanBatch = scanBatch
	q.sendTimeout = sendTimeout
	q.mu.Unlock()
}

// Policy returns the active throttle policy.
func (q *Queue) Policy() throttle.Policy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.policy
}

// Put enqueues template for recipient. recipient may be empty when an
// address is given with WithEmail.
//
// The destination is the WithEmail address if set, else the recipient's
// primary address. A message with neither is still stored and later skipped
// by Flush. Throttle rejections return an error matching ErrThrottled and
// write nothing.
func (q *Queue) Put(ctx context.Context, recipient, template string, opts ...PutOption) (int64, error) {
	o := putOptions{userInitiated: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	recipient = strings.TrimSpace(recipient)
	email := strings.TrimSpace(o.email)
	template = strings.TrimSpace(template)

	if recipient == "" && email == "" {
		return 0, &ValidationError{Reason: "recipient or email is required"}
	}
	if template == "" {
		return 0, &ValidationError{Reason: "template is required"}
	}

	if email == "" {
		r, ok, err := q.lookup(ctx, recipient)
		if err != nil {
			return 0, err
		}
		if ok {
			email = strings.TrimSpace(r.Email)
		}
	}

	policy := q.Policy()
	row := storage.Message{
		Recipient:     recipient,
		Email:         email,
		Template:      template,
		Context:       o.context,
		UserInitiated: o.userInitiated,
	}

	var id int64
	err := q.store.Atomic(ctx, func(ctx context.Context, tx storage.Store) error {
		if err := policy.Check(ctx, tx, recipient, email, o.userInitiated, q.now()); err != nil {
			return err
		}
		var err error
		id, err = tx.Insert(ctx, row)
		return err
	})
	if err != nil {
		q.log.Debug("put rejected",
			logx.String("recipient", recipient),
			logx.String("template", template),
			logx.Err(err),
		)
		return 0, err
	}

	q.log.Debug("message queued",
		logx.Int64("id", id),
		logx.String("recipient", recipient),
		logx.String("template", template),
		logx.Bool("has_email", email != ""),
		logx.Bool("user_initiated", o.userInitiated),
	)
	return id, nil
}

func (q *Queue) lookup(ctx context.Context, recipient string) (Recipient, bool, error) {
	if recipient == "" || q.resolver == nil {
		return Recipient{}, false, nil
	}
	r, ok, err := q.resolver.Lookup(ctx, recipient)
	if err != nil {
		return Recipient{}, false, fmt.Errorf("resolve recipient %q: %w", recipient, err)
	}
	return r, ok, nil
}

// LogMetrics emits the dead/total summary line to sink. A nil sink writes
// to stdout.
func (q *Queue) LogMetrics(ctx context.Context, sink metrics.Sink) error {
	if sink == nil {
		sink = metrics.WriterSink(logx.Stdout())
	}
	return metrics.NewReporter(q.store, sink).Report(ctx)
}

// DeadLetters lists dead rows in insertion order.
func (q *Queue) DeadLetters(ctx context.Context) ([]storage.Message, error) {
	return q.store.ListDead(ctx)
}

// Requeue revives dead letter id as a new system-generated pending message
// and removes the dead row. It returns the new id. A missing or non-dead id
// yields storage.ErrNotFound.
func (q *Queue) Requeue(ctx context.Context, id int64) (int64, error) {
	var newID int64
	err := q.store.Atomic(ctx, func(ctx context.Context, tx storage.Store) error {
		m, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !m.Dead {
			return storage.ErrNotFound
		}
		m.UserInitiated = false
		newID, err = tx.Insert(ctx, m)
		if err != nil {
			return err
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	q.log.Info("dead letter requeued", logx.Int64("id", id), logx.Int64("new_id", newID))
	return newID, nil
}
