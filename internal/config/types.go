package config

// Config is the daemon configuration file (JSON or YAML).
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Flush   FlushConfig   `json:"flush"`
	Metrics MetricsConfig `json:"metrics"`
	Sender  SenderConfig  `json:"sender"`
	Systemd SystemdConfig `json:"systemd"`

	// Timezone for cron schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// Recipients is the static participant directory, keyed by recipient id.
	Recipients map[string]RecipientConfig `json:"recipients,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the queue table backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mailqueue.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // memory | sqlite | postgres
	Path        string `json:"path,omitempty"`         // sqlite file
	DSN         string `json:"dsn,omitempty"`          // postgres connection string (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls enqueue throttling and flush batching.
//
// Defaults (when fields are omitted/zero):
//   - throttle_limit: 3
//   - throttle_window: "24h" ("0s" counts every pending row)
//   - scan_batch: 100
type QueueConfig struct {
	ThrottleLimit  int    `json:"throttle_limit,omitempty"`
	ThrottleWindow string `json:"throttle_window,omitempty"`
	ScanBatch      int    `json:"scan_batch,omitempty"`
}

// FlushConfig controls the periodic delivery pass.
type FlushConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts cron ("*/1 * * * *"), HH:MM ("00:01") or a duration ("1m").
	Schedule    string `json:"schedule,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type MetricsConfig struct {
	Enabled    bool             `json:"enabled"`
	Schedule   string           `json:"schedule,omitempty"`
	Stdout     bool             `json:"stdout"`
	Prometheus PrometheusConfig `json:"prometheus"`
}

// PrometheusConfig exposes queue gauges over HTTP.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9187").
type PrometheusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type SenderConfig struct {
	Driver string `json:"driver"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

type RecipientConfig struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}
