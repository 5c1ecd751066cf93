package config

import (
	"reflect"
	"strings"

	logx "mailqueue/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. The storage DSN is never included.
//
// Storage, sender and prometheus changes need a restart; the returned
// restart list names them.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.throttle_limit", newCfg.Queue.ThrottleLimit),
			logx.String("queue.throttle_window", strings.TrimSpace(newCfg.Queue.ThrottleWindow)),
			logx.Int("queue.scan_batch", newCfg.Queue.ScanBatch),
		)
	}
	if oldCfg.Flush != newCfg.Flush {
		changed = append(changed, "flush")
		attrs = append(attrs,
			logx.Bool("flush.enabled", newCfg.Flush.Enabled),
			logx.String("flush.schedule", newCfg.FlushSchedule()),
		)
	}
	if oldCfg.Metrics.Enabled != newCfg.Metrics.Enabled ||
		oldCfg.Metrics.Schedule != newCfg.Metrics.Schedule ||
		oldCfg.Metrics.Stdout != newCfg.Metrics.Stdout {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.schedule", newCfg.MetricsSchedule()),
		)
	}
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}
	if !reflect.DeepEqual(oldCfg.Recipients, newCfg.Recipients) {
		changed = append(changed, "recipients")
		attrs = append(attrs, logx.Int("recipients.count", len(newCfg.Recipients)))
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if oldCfg.Sender != newCfg.Sender {
		changed = append(changed, "sender")
		restart = append(restart, "sender")
	}
	if oldCfg.Metrics.Prometheus != newCfg.Metrics.Prometheus {
		changed = append(changed, "metrics.prometheus")
		restart = append(restart, "metrics.prometheus")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		restart = append(restart, "systemd")
	}
	return changed, attrs, restart
}
