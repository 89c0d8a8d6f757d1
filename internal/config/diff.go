package config

import (
	"strings"

	logx "donornotify/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are only ever reported as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)
	ts := strings.TrimSpace

	// Logging
	if ts(oldCfg.Logging.Level) != ts(newCfg.Logging.Level) ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		ts(oldCfg.Logging.File.Path) != ts(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", ts(newCfg.Logging.Level)),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Mail (never log password or api key)
	om, nm := oldCfg.Mail, newCfg.Mail
	if ts(om.Provider) != ts(nm.Provider) ||
		ts(om.From) != ts(nm.From) ||
		ts(om.Timeout) != ts(nm.Timeout) ||
		ts(om.SMTP.Host) != ts(nm.SMTP.Host) ||
		om.SMTP.Port != nm.SMTP.Port ||
		ts(om.SMTP.Username) != ts(nm.SMTP.Username) ||
		om.SMTP.Password != nm.SMTP.Password ||
		om.Brevo.APIKey != nm.Brevo.APIKey ||
		ts(om.Brevo.BaseURL) != ts(nm.Brevo.BaseURL) {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.provider", ts(nm.Provider)),
			logx.String("mail.from", ts(nm.From)),
			logx.String("mail.smtp_host", ts(nm.SMTP.Host)),
			logx.Int("mail.smtp_port", nm.SMTP.Port),
			logx.Bool("mail.password_set", nm.SMTP.Password != ""),
			logx.Bool("mail.brevo_key_set", nm.Brevo.APIKey != ""),
		)
	}

	// Trigger
	if ts(oldCfg.Trigger.Collection) != ts(newCfg.Trigger.Collection) {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.collection", ts(newCfg.Trigger.Collection)))
	}

	// Server (listener restarts)
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", ts(newCfg.Server.Addr)),
			logx.Bool("server.token_set", newCfg.Server.Token != ""),
		)
	}

	// Notifier
	on, nn := notifierOrZero(oldCfg.Notifier), notifierOrZero(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.configured", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	// Store (applied on restart only)
	prevStore, nextStore := storeOrZero(oldCfg.Store), storeOrZero(newCfg.Store)
	if (oldCfg.Store == nil) != (newCfg.Store == nil) || prevStore != nextStore {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", ts(nextStore.Driver)),
			logx.String("store.path", ts(nextStore.Path)),
		)
	}

	// Report
	if ts(oldCfg.Report.Schedule) != ts(newCfg.Report.Schedule) ||
		ts(oldCfg.Report.Timezone) != ts(newCfg.Report.Timezone) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.String("report.schedule", ts(newCfg.Report.Schedule)),
			logx.String("report.timezone", ts(newCfg.Report.Timezone)),
		)
	}

	return changed, attrs
}

func notifierOrZero(c *NotifierConfig) NotifierConfig {
	if c == nil {
		return NotifierConfig{}
	}
	return *c
}

func storeOrZero(c *StoreConfig) StoreConfig {
	if c == nil {
		return StoreConfig{}
	}
	return *c
}
