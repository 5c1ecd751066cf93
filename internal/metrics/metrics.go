// Package metrics summarizes the email queue for operators.
//
// The canonical output is a single logfmt-style line,
//
//	count#email_queue_dead=<D> count#email_queue_total=<T>
//
// emitted through injectable sinks; Prometheus gauges mirror the same counts.
package metrics

import (
	"context"
	"fmt"
	"io"
	"strings"

	logx "mailqueue/pkg/logx"
)

// Source is the read-only part of storage.Store the reporter needs.
type Source interface {
	CountDead(ctx context.Context) (int, error)
	CountTotal(ctx context.Context) (int, error)
}

// Counts is a point-in-time snapshot of the queue table.
type Counts struct {
	Dead  int
	Total int
}

// Line renders the canonical summary line.
func (c Counts) Line() string {
	return fmt.Sprintf("count#email_queue_dead=%d count#email_queue_total=%d", c.Dead, c.Total)
}

// Collect reads the current counts.
func Collect(ctx context.Context, src Source) (Counts, error) {
	dead, err := src.CountDead(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("count dead: %w", err)
	}
	total, err := src.CountTotal(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("count total: %w", err)
	}
	return Counts{Dead: dead, Total: total}, nil
}

// Sink receives one summary line per report.
type Sink func(line string)

// WriterSink writes each line followed by a newline.
func WriterSink(w io.Writer) Sink {
	return func(line string) {
		_, _ = io.WriteString(w, line+"\n")
	}
}

// LogSink emits each line as an info log message.
func LogSink(log logx.Logger) Sink {
	return func(line string) {
		log.Info(strings.TrimSpace(line))
	}
}

// Reporter fans a snapshot out to sinks and, optionally, gauges.
type Reporter struct {
	src    Source
	sinks  []Sink
	gauges *Gauges
}

func NewReporter(src Source, sinks ...Sink) *Reporter {
	r := &Reporter{src: src}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// WithGauges mirrors every report into g.
func (r *Reporter) WithGauges(g *Gauges) *Reporter {
	r.gauges = g
	return r
}

// Report collects counts once and emits them. It never mutates the store.
func (r *Reporter) Report(ctx context.Context) error {
	c, err := Collect(ctx, r.src)
	if err != nil {
		return err
	}
	line := c.Line()
	for _, s := range r.sinks {
		s(line)
	}
	if r.gauges != nil {
		r.gauges.Observe(c)
	}
	return nil
}
