// Package app wires the mail queue daemon: config, logging, storage, queue,
// scheduled flush and metrics jobs, and the optional Prometheus endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mailqueue/internal/config"
	"mailqueue/internal/directory"
	"mailqueue/internal/metrics"
	"mailqueue/internal/queue"
	"mailqueue/internal/runtime/supervisor"
	"mailqueue/internal/scheduler"
	"mailqueue/internal/sender"
	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

const (
	jobFlush   = "flush"
	jobMetrics = "metrics"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	dir   *directory.Static
	q     *queue.Queue
	sched *scheduler.Service

	registry *metricsRegistry
	notify   bool

	stopOnce sync.Once
}

// metricsRegistry bundles the reporter and its optional Prometheus side.
type metricsRegistry struct {
	gauges   *metrics.Gauges
	handler  http.Handler
	addr     string
	reporter *metrics.Reporter
}

// New loads cfgPath and builds every component without starting anything.
func New(cfgPath string) (*App, error) {
	boot := NewBootLogger()
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetLogger(boot.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log, err := logx.New(cfg.LogConfig())
	if err != nil {
		boot.Warn("log file unavailable; logging to console", logx.Err(err))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := open(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// NewBootLogger is the console logger used until the config is loaded.
func NewBootLogger() logx.Logger {
	return logx.NewConsole("info").With(logx.String("comp", "boot"))
}

// open connects storage and builds the rest on top of it.
func open(cfg *config.Config, log logx.Logger) (*App, error) {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// build wires the components that sit on top of an open store.
func build(cfg *config.Config, store storage.Store, log logx.Logger) (*App, error) {
	policy, err := cfg.ThrottlePolicy()
	if err != nil {
		return nil, err
	}
	sendTimeout, err := cfg.SendTimeout()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	snd, err := sender.New(cfg.Sender.Driver, log.With(logx.String("comp", "sender")))
	if err != nil {
		return nil, err
	}
	snd = sender.NewPaced(snd, cfg.Flush.RatePerSec)

	dir := directory.NewStatic(cfg.Directory())
	q := queue.New(store, snd, queue.Options{
		Policy:      policy,
		Resolver:    dir,
		Logger:      log.With(logx.String("comp", "queue")),
		ScanBatch:   cfg.ScanBatch(),
		SendTimeout: sendTimeout,
	})

	reg, err := newMetricsRegistry(cfg, store, log.With(logx.String("comp", "metrics")))
	if err != nil {
		return nil, err
	}

	a := &App{
		log:      log.With(logx.String("comp", "app")),
		store:    store,
		dir:      dir,
		q:        q,
		sched:    scheduler.New(loc, log.With(logx.String("comp", "scheduler"))),
		registry: reg,
		notify:   cfg.Systemd.Notify,
	}
	if err := a.applyJobs(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func newMetricsRegistry(cfg *config.Config, store storage.Store, log logx.Logger) (*metricsRegistry, error) {
	var sinks []metrics.Sink
	if cfg.Metrics.Stdout {
		sinks = append(sinks, metrics.WriterSink(logx.Stdout()))
	} else {
		sinks = append(sinks, metrics.LogSink(log))
	}
	r := &metricsRegistry{reporter: metrics.NewReporter(store, sinks...)}
	if cfg.Metrics.Prometheus.Enabled {
		promReg := metrics.NewRegistry()
		g, err := metrics.NewGauges(promReg)
		if err != nil {
			return nil, err
		}
		r.gauges = g
		r.handler = metrics.Handler(promReg)
		r.addr = cfg.PrometheusAddr()
		r.reporter.WithGauges(g)
	}
	return r, nil
}

// Queue exposes the queue for one-shot operator commands.
func (a *App) Queue() *queue.Queue { return a.q }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error reported by a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// applyJobs (re)registers the scheduled jobs from cfg.
func (a *App) applyJobs(cfg *config.Config) error {
	if cfg.Flush.Enabled {
		if err := a.sched.Add(jobFlush, cfg.FlushSchedule(), 0, a.flushJob); err != nil {
			return fmt.Errorf("flush.schedule: %w", err)
		}
	} else {
		a.sched.Remove(jobFlush)
	}
	if cfg.Metrics.Enabled {
		if err := a.sched.Add(jobMetrics, cfg.MetricsSchedule(), 30*time.Second, a.registry.reporter.Report); err != nil {
			return fmt.Errorf("metrics.schedule: %w", err)
		}
	} else {
		a.sched.Remove(jobMetrics)
	}
	return nil
}

func (a *App) flushJob(ctx context.Context) error {
	n, err := a.q.Flush(ctx)
	if errors.Is(err, queue.ErrFlushInProgress) {
		return nil
	}
	var derr *queue.DeliveryError
	if errors.As(err, &derr) {
		a.log.Warn("flush stopped on delivery failure",
			logx.Int("sent", n),
			logx.Int64("dead_id", derr.ID),
		)
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	c := a.sup.Context()

	a.sched.Start(c)

	if a.registry.handler != nil {
		a.startPrometheus(a.registry.addr)
	}

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := cfg.Location(); err != nil {
				return err
			}
			for _, s := range []string{cfg.FlushSchedule(), cfg.MetricsSchedule()} {
				if _, err := scheduler.ParseSchedule(s); err != nil {
					return err
				}
			}
			return nil
		})
		a.startReload()
		a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)
	}

	if a.notify {
		a.startSystemd()
	}
	a.log.Info("mailqueue started")
	return nil
}

// startPrometheus serves /metrics on addr until the supervisor stops.
func (a *App) startPrometheus(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.registry.handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.sup.GoRestart("metrics.http", time.Second, 30*time.Second, func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		a.log.Info("prometheus endpoint listening", logx.String("addr", addr))
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
}

// startReload applies hot-reloadable config sections as they are published.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("restart required for some config changes", logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		if err := a.logs.Apply(newCfg.LogConfig()); err != nil {
			a.log.Warn("log file unavailable; logging to console", logx.Err(err))
		}
	}
	a.dir.Replace(newCfg.Directory())

	policy, err := newCfg.ThrottlePolicy()
	if err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else if sendTimeout, err := newCfg.SendTimeout(); err != nil {
		a.log.Warn("invalid flush config; keeping previous", logx.Err(err))
	} else {
		a.q.Apply(policy, newCfg.ScanBatch(), sendTimeout)
	}
	if err := a.applyJobs(newCfg); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}
}

// startSystemd reports readiness and, when the unit sets WatchdogSec, pings
// the watchdog at half the interval.
func (a *App) startSystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if !ok {
		a.log.Debug("sd_notify unsupported (NOTIFY_SOCKET unset)")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Stop shuts everything down within ctx. It is safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		start := time.Now()
		if a.notify {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		}

		step := func(name string, timeout time.Duration, fn func(context.Context) error) {
			c, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(c); err != nil {
				a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}

		// Scheduler first so no flush starts against a closing store.
		step("scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		if a.sup != nil {
			step("supervisor", 5*time.Second, a.sup.Stop)
		}
		step("storage", 5*time.Second, func(context.Context) error { return a.store.Close() })

		a.log.Info("mailqueue stopped", logx.Duration("took", time.Since(start)))
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return errors.Join(errs...)
}
