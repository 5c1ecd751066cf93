// Package scheduler triggers the queue's periodic jobs (flush, metrics).
//
// Jobs never overlap with themselves: a tick that arrives while the previous
// run is still going is skipped. That is what keeps Flush single-worker in
// the daemon.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "mailqueue/pkg/logx"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*jobDef
}

// New creates a stopped scheduler. loc may be nil (time.Local).
func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log,
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// Add registers (or replaces) a named job. schedule accepts every form
// ParseSchedule does. timeout <= 0 means no per-run bound.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters a job. It reports whether the job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Start begins triggering registered jobs. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// Give up waiting; cancel in-flight jobs.
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Jobs lists registered jobs with their next/previous run times.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

// RunNow executes a registered job synchronously, outside the cron tick.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, d)
}

func (s *Service) registerLocked(d *jobDef) error {
	id, err := s.c.AddFunc(d.spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		_ = s.execute(ctx, d)
	})
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) execute(ctx context.Context, d *jobDef) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	if err != nil {
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Trace("job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts logx to cron.Logger for the job wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
