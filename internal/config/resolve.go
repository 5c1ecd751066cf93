package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailqueue/internal/queue"
	"mailqueue/internal/storage"
	"mailqueue/internal/throttle"
	logx "mailqueue/pkg/logx"
)

const (
	DefaultFlushSchedule   = "1m"
	DefaultMetricsSchedule = "1m"
	DefaultSendTimeout     = 30 * time.Second
	DefaultPrometheusAddr  = "127.0.0.1:9187"
	DefaultScanBatch       = 100
)

// Validate checks the parts of cfg that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.StorageConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ThrottlePolicy(); err != nil {
		errs = append(errs, err)
	}
	if st, err := cfg.SendTimeout(); err != nil {
		errs = append(errs, err)
	} else if r := cfg.Flush.RatePerSec; r > 0 && st < time.Second/time.Duration(r) {
		errs = append(errs, fmt.Errorf("flush.send_timeout: %v is shorter than one send slot at flush.rate_per_sec=%d", st, r))
	}
	if cfg.Queue.ScanBatch < 0 {
		errs = append(errs, errors.New("queue.scan_batch: must be >= 0"))
	}
	if cfg.Flush.RatePerSec < 0 {
		errs = append(errs, errors.New("flush.rate_per_sec: must be >= 0"))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, err)
	}
	for id, r := range cfg.Recipients {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("recipients: empty id"))
			continue
		}
		if e := strings.TrimSpace(r.Email); e != "" && !strings.Contains(e, "@") {
			errs = append(errs, fmt.Errorf("recipients.%s.email: invalid address %q", id, r.Email))
		}
	}
	return errors.Join(errs...)
}

// LogConfig maps the logging section.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// StorageConfig maps the storage section.
func (c *Config) StorageConfig() (storage.Config, error) {
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return storage.Config{}, errors.New("storage.path: required for sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn: required for postgres")
		}
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(c.Storage.Path),
		DSN:         strings.TrimSpace(c.Storage.DSN),
		BusyTimeout: bt,
	}, nil
}

// ThrottlePolicy maps the queue throttle knobs. An omitted window is 24h; an
// explicit zero window counts every pending row.
func (c *Config) ThrottlePolicy() (throttle.Policy, error) {
	p := throttle.Default()
	if c.Queue.ThrottleLimit < 0 {
		return p, errors.New("queue.throttle_limit: must be >= 0")
	}
	if c.Queue.ThrottleLimit > 0 {
		p.Limit = c.Queue.ThrottleLimit
	}
	if strings.TrimSpace(c.Queue.ThrottleWindow) != "" {
		w, err := ParseDurationField("queue.throttle_window", c.Queue.ThrottleWindow)
		if err != nil {
			return p, err
		}
		p.Window = w
	}
	return p, nil
}

func (c *Config) ScanBatch() int {
	if c.Queue.ScanBatch <= 0 {
		return DefaultScanBatch
	}
	return c.Queue.ScanBatch
}

func (c *Config) SendTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("flush.send_timeout", c.Flush.SendTimeout, DefaultSendTimeout)
}

func (c *Config) FlushSchedule() string {
	if s := strings.TrimSpace(c.Flush.Schedule); s != "" {
		return s
	}
	return DefaultFlushSchedule
}

func (c *Config) MetricsSchedule() string {
	if s := strings.TrimSpace(c.Metrics.Schedule); s != "" {
		return s
	}
	return DefaultMetricsSchedule
}

func (c *Config) PrometheusAddr() string {
	if a := strings.TrimSpace(c.Metrics.Prometheus.Addr); a != "" {
		return a
	}
	return DefaultPrometheusAddr
}

// Location resolves the schedule timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Directory maps the recipients section for the static resolver.
func (c *Config) Directory() map[string]queue.Recipient {
	out := make(map[string]queue.Recipient, len(c.Recipients))
	for id, r := range c.Recipients {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = queue.Recipient{ID: id, Name: strings.TrimSpace(r.Name), Email: strings.TrimSpace(r.Email)}
	}
	return out
}
