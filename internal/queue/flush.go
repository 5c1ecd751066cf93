package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

// Flush sends every pending message in insertion order and returns how many
// were delivered.
//
// Rows with no resolvable address are deleted without sending. The first
// Sender failure marks its row dead and ends the pass with a *DeliveryError;
// rows already handled stay resolved and the rest wait for the next Flush.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	if !q.flushMu.TryLock() {
		return 0, ErrFlushInProgress
	}
	defer q.flushMu.Unlock()

	q.mu.RLock()
	batch := q.scanBatch
	sendTimeout := q.sendTimeout
	q.mu.RUnlock()

	start := time.Now()
	run := uuid.NewString()
	log := q.log.With(logx.String("run", run))

	lease := flushLease{store: q.store, owner: run, ttl: max(q.leaseTTL, 2*sendTimeout)}
	if err := lease.renew(ctx); err != nil {
		return 0, err
	}
	defer func() {
		if err := q.store.ReleaseLease(context.WithoutCancel(ctx), flushLeaseName, run); err != nil {
			log.Warn("flush lease release failed", logx.Err(err))
		}
	}()

	var (
		sent    int
		skipped int
		afterID int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		rows, err := q.store.ScanPending(ctx, afterID, batch)
		if err != nil {
			return sent, fmt.Errorf("flush scan: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, m := range rows {
			afterID = m.ID
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			if lease.due() {
				if err := lease.renew(ctx); err != nil {
					return sent, err
				}
			}

			env, ok, err := q.envelope(ctx, m)
			if err != nil {
				return sent, err
			}
			// Finishing a row's bookkeeping must not be cut short by cancellation.
			bg := context.WithoutCancel(ctx)
			if !ok {
				if err := q.store.Delete(bg, m.ID); err != nil {
					return sent, fmt.Errorf("drop unaddressed message %d: %w", m.ID, err)
				}
				skipped++
				log.Debug("message skipped: no address", logx.Int64("id", m.ID), logx.String("template", m.Template))
				continue
			}

			if err := q.pace(ctx); err != nil {
				if ctx.Err() != nil {
					return sent, ctx.Err()
				}
				log.Warn("flush paused: no send slot", logx.Int64("id", m.ID), logx.Err(err))
				return sent, fmt.Errorf("flush pacing: %w", err)
			}
			if err := q.send(ctx, env, sendTimeout); err != nil {
				if ctx.Err() != nil {
					// Interrupted by the caller, not a delivery verdict.
					return sent, ctx.Err()
				}
				derr := &DeliveryError{ID: m.ID, Template: m.Template, Address: env.Address, Err: err}
				if mErr := q.store.MarkDead(bg, m.ID); mErr != nil {
					return sent, errors.Join(derr, fmt.Errorf("mark dead %d: %w", m.ID, mErr))
				}
				log.Error("message marked dead",
					logx.Int64("id", m.ID),
					logx.String("template", m.Template),
					logx.Int("sent", sent),
					logx.Err(err),
				)
				return sent, derr
			}

			if err := q.store.Delete(bg, m.ID); err != nil {
				return sent, fmt.Errorf("delete sent message %d: %w", m.ID, err)
			}
			sent++
		}
	}

	if sent > 0 || skipped > 0 {
		log.Info("flush complete",
			logx.Int("sent", sent),
			logx.Int("skipped", skipped),
			logx.Duration("took", time.Since(start)),
		)
	}
	return sent, nil
}

// flushLeaseName is the store lease that keeps processes sharing a database
// from flushing the same rows at once.
const flushLeaseName = "flush"

type flushLease struct {
	store   storage.Store
	owner   string
	ttl     time.Duration
	renewed time.Time
}

// due reports whether half the lease has elapsed since the last renewal.
func (l *flushLease) due() bool { return time.Since(l.renewed) > l.ttl/2 }

func (l *flushLease) renew(ctx context.Context) error {
	ok, err := l.store.AcquireLease(ctx, flushLeaseName, l.owner, l.ttl)
	if err != nil {
		return fmt.Errorf("flush lease: %w", err)
	}
	if !ok {
		return ErrFlushInProgress
	}
	l.renewed = time.Now()
	return nil
}

// envelope resolves a row's destination. ok=false means there is none.
func (q *Queue) envelope(ctx context.Context, m storage.Message) (Envelope, bool, error) {
	env := Envelope{
		ID:        m.ID,
		Recipient: m.Recipient,
		Address:   m.Email,
		Template:  m.Template,
		Context:   m.Context,
	}
	r, found, err := q.lookup(ctx, m.Recipient)
	if err != nil {
		return Envelope{}, false, err
	}
	if found {
		env.Name = r.Name
		if env.Address == "" {
			env.Address = r.Email
		}
	}
	if env.Address == "" {
		return Envelope{}, false, nil
	}
	env.To = formatTo(env.Name, env.Address)
	return env, true, nil
}

// pace blocks until a rate-limited sender has a slot for the next message.
func (q *Queue) pace(ctx context.Context) error {
	p, ok := q.sender.(Pacer)
	if !ok {
		return nil
	}
	return p.Wait(ctx)
}

func (q *Queue) send(ctx context.Context, env Envelope, timeout time.Duration) error {
	if q.sender == nil {
		return errors.New("no sender configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return q.sender.Send(ctx, env)
}
