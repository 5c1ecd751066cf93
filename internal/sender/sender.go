// Package sender provides queue.Sender implementations.
//
// Transport protocols are out of scope here: Log is a dry-run sender for
// staging and local runs, and Paced wraps any Sender with a token bucket so a
// flush can't burst past the provider's rate limits.
package sender

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"mailqueue/internal/queue"
	logx "mailqueue/pkg/logx"
)

// Log records each envelope instead of delivering it.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (s *Log) Send(ctx context.Context, env queue.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("email (dry-run)",
		logx.Int64("id", env.ID),
		logx.String("to", env.To),
		logx.String("template", env.Template),
		logx.Int("context_keys", len(env.Context)),
	)
	return nil
}

// Paced limits the rate of Send calls to the wrapped sender.
//
// Callers that want to wait for a slot outside the send deadline call Wait
// first; the next Send then spends that slot instead of waiting again.
type Paced struct {
	next    queue.Sender
	limiter *rate.Limiter
	prepaid atomic.Int64
}

// NewPaced allows perSec sends per second with a burst of the same size.
// perSec <= 0 disables pacing.
func NewPaced(next queue.Sender, perSec int) *Paced {
	p := &Paced{next: next}
	if perSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	return p
}

// Wait blocks until a send slot is free and reserves it for the next Send.
func (p *Paced) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	p.prepaid.Add(1)
	return nil
}

func (p *Paced) Send(ctx context.Context, env queue.Envelope) error {
	if p.limiter != nil && !p.takePrepaid() {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return p.next.Send(ctx, env)
}

func (p *Paced) takePrepaid() bool {
	for {
		n := p.prepaid.Load()
		if n <= 0 {
			return false
		}
		if p.prepaid.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

var _ queue.Pacer = (*Paced)(nil)

// New builds the sender named by driver.
func New(driver string, log logx.Logger) (queue.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "log", "dry-run", "dryrun":
		return NewLog(log), nil
	default:
		return nil, errors.New("unknown sender driver: " + driver)
	}
}
