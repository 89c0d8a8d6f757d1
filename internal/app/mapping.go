package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"donornotify/internal/config"
	"donornotify/internal/ingress"
	"donornotify/internal/mail"
	"donornotify/internal/pipeline"
	"donornotify/internal/report"
	"donornotify/internal/store"
	logx "donornotify/pkg/logx"
)

const defaultCollection = "donors"

func collectionOf(cfg *config.Config) string {
	if cfg == nil {
		return defaultCollection
	}
	if c := strings.TrimSpace(cfg.Trigger.Collection); c != "" {
		return c
	}
	return defaultCollection
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapMailConfig(cfg *config.Config) (mail.Config, error) {
	timeout, err := config.ParseDurationOrDefault("mail.timeout", cfg.Mail.Timeout, 10*time.Second)
	if err != nil {
		return mail.Config{}, err
	}
	switch p := strings.ToLower(strings.TrimSpace(cfg.Mail.Provider)); p {
	case "", "smtp", "gmail", "brevo", "log":
	default:
		return mail.Config{}, fmt.Errorf("mail.provider: unknown provider %q", cfg.Mail.Provider)
	}
	if cfg.Mail.SMTP.Port < 0 || cfg.Mail.SMTP.Port > 65535 {
		return mail.Config{}, fmt.Errorf("mail.smtp.port: out of range: %d", cfg.Mail.SMTP.Port)
	}
	return mail.Config{
		Provider: cfg.Mail.Provider,
		From:     strings.TrimSpace(cfg.Mail.From),
		Timeout:  timeout,
		SMTP: mail.SMTPConfig{
			Host:     strings.TrimSpace(cfg.Mail.SMTP.Host),
			Port:     cfg.Mail.SMTP.Port,
			Username: strings.TrimSpace(cfg.Mail.SMTP.Username),
			Password: cfg.Mail.SMTP.Password,
		},
		Brevo: mail.BrevoConfig{
			APIKey:  cfg.Mail.Brevo.APIKey,
			BaseURL: strings.TrimSpace(cfg.Mail.Brevo.BaseURL),
		},
	}, nil
}

// buildSender returns a nil sender (not an error) when the provider is
// simply not configured, so the service can still run its ingress.
func buildSender(mc mail.Config, log logx.Logger) (mail.Sender, error) {
	s, err := mail.New(mc, log)
	if errors.Is(err, mail.ErrNotConfigured) {
		log.Warn("mail transport not configured; approval emails will fail", logx.Err(err))
		return nil, nil
	}
	return s, err
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	// Omitted section: enabled with defaults.
	if cfg.Notifier == nil {
		return pipeline.Config{Enabled: true}, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 {
		return pipeline.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	}
	if n.QueueSize < 0 {
		return pipeline.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if n.RatePerSec < 0 {
		return pipeline.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if n.HistorySize < 0 {
		return pipeline.Config{}, fmt.Errorf("notifier.history_size must be >= 0")
	}
	return pipeline.Config{
		Enabled:     n.Enabled,
		Workers:     n.Workers,
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		HistorySize: n.HistorySize,
	}, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, bool, error) {
	if cfg.Store == nil {
		return store.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if driver == "" || driver == "none" {
		return store.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, false, err
	}
	switch driver {
	case "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return store.Config{}, false, fmt.Errorf("store.path is required for driver %q", driver)
		}
	default:
		return store.Config{}, false, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	return store.Config{Driver: driver, Path: strings.TrimSpace(cfg.Store.Path), BusyTimeout: busy}, true, nil
}

func mapServerConfig(cfg *config.Config) (ingress.ServerConfig, time.Duration, error) {
	rt, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	if err != nil {
		return ingress.ServerConfig{}, 0, err
	}
	wt, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 30*time.Second)
	if err != nil {
		return ingress.ServerConfig{}, 0, err
	}
	it, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 60*time.Second)
	if err != nil {
		return ingress.ServerConfig{}, 0, err
	}
	st, err := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return ingress.ServerConfig{}, 0, err
	}
	return ingress.ServerConfig{
		Addr:         strings.TrimSpace(cfg.Server.Addr),
		Token:        strings.TrimSpace(cfg.Server.Token),
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, st, nil
}

func mapReportConfig(cfg *config.Config) (report.Config, error) {
	loc, err := config.ParseLocation("report.timezone", cfg.Report.Timezone)
	if err != nil {
		return report.Config{}, err
	}
	if err := report.Validate(cfg.Report.Schedule); err != nil {
		return report.Config{}, fmt.Errorf("report.schedule: %w", err)
	}
	return report.Config{Schedule: strings.TrimSpace(cfg.Report.Schedule), Location: loc}, nil
}

// validate rejects a config before it is committed (startup and hot reload).
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapMailConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReportConfig(cfg); err != nil {
		return err
	}
	return nil
}
