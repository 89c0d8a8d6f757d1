// Package mail delivers plain-text email through a configured provider.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "donornotify/pkg/logx"
)

var ErrNotConfigured = errors.New("mail provider not configured")

const gmailHost = "smtp.gmail.com"

// Message is a single plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers one message. Implementations must be safe for concurrent use
// and must not mutate shared state per call.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config selects and configures a provider.
//
// Provider values:
//   - "smtp": SMTP submission with PLAIN auth (STARTTLS on 587, implicit TLS on 465)
//   - "gmail": SMTP against smtp.gmail.com unless a host is set; use an app password
//   - "brevo": Brevo transactional email HTTP API
//   - "log": dry-run, logs the message instead of sending it
type Config struct {
	Provider string
	From     string
	Timeout  time.Duration
	SMTP     SMTPConfig
	Brevo    BrevoConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type BrevoConfig struct {
	APIKey  string
	BaseURL string
}

// New builds the Sender named by cfg.Provider.
func New(cfg Config, log logx.Logger) (Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "smtp":
		if strings.TrimSpace(cfg.SMTP.Host) == "" {
			return nil, fmt.Errorf("smtp: %w (host is empty)", ErrNotConfigured)
		}
		return NewSMTP(cfg.SMTP, cfg.Timeout), nil
	case "gmail":
		if strings.TrimSpace(cfg.SMTP.Host) == "" {
			cfg.SMTP.Host = gmailHost
		}
		return NewSMTP(cfg.SMTP, cfg.Timeout), nil
	case "brevo":
		if strings.TrimSpace(cfg.Brevo.APIKey) == "" {
			return nil, fmt.Errorf("brevo: %w (api key is empty)", ErrNotConfigured)
		}
		return NewBrevo(cfg.Brevo, cfg.Timeout), nil
	case "log":
		return NewLog(log), nil
	default:
		return nil, fmt.Errorf("unknown mail provider: %s", cfg.Provider)
	}
}

// Log is a dry-run sender.
type Log struct {
	log logx.Logger
}

var _ Sender = (*Log)(nil)

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (l *Log) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("mail (dry-run)",
		logx.String("from", msg.From),
		logx.String("to", msg.To),
		logx.String("subject", msg.Subject),
		logx.Int("body_len", len(msg.Body)),
	)
	return nil
}
