package config

// Config is the whole service configuration. It is built once at startup
// (file + environment) and passed explicitly to components; hot reloads
// produce a new value rather than mutating the old one.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Mail    MailConfig    `json:"mail"`
	Trigger TriggerConfig `json:"trigger"`
	Server  ServerConfig  `json:"server"`

	// Notifier controls the async dispatch pipeline. If omitted it defaults
	// to enabled with runtime defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Store    *StoreConfig    `json:"store,omitempty"`
	Report   ReportConfig    `json:"report,omitempty"`
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

// MailConfig selects the email transport.
//
// Secrets (smtp.password, brevo.api_key) are normally left empty in the file
// and supplied through the environment (MAIL_PASSWORD, BREVO_API_KEY).
type MailConfig struct {
	// Provider is "smtp" (default), "gmail", "brevo" or "log".
	Provider string `json:"provider"`
	// From is the service account address used as sender.
	From string `json:"from"`
	// Timeout bounds a single send. Go duration string, default "10s".
	Timeout string      `json:"timeout,omitempty"`
	SMTP    SMTPConfig  `json:"smtp"`
	Brevo   BrevoConfig `json:"brevo,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"` // do not log
}

type BrevoConfig struct {
	APIKey  string `json:"api_key,omitempty"` // do not log
	BaseURL string `json:"base_url,omitempty"`
}

// TriggerConfig names the watched collection (default "donors").
type TriggerConfig struct {
	Collection string `json:"collection"`
}

// ServerConfig controls the HTTP ingress. Durations are Go duration strings.
type ServerConfig struct {
	Addr            string `json:"addr"` // default ":8080"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>" on /v1 routes.
	Token string `json:"token,omitempty"` // do not log
}

// NotifierConfig controls the async dispatch pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 5
//   - history_size: 200
type NotifierConfig struct {
	Enabled     bool `json:"enabled"`
	Workers     int  `json:"workers"`
	QueueSize   int  `json:"queue_size"`
	RatePerSec  int  `json:"rate_per_sec"`
	HistorySize int  `json:"history_size,omitempty"`
}

// StoreConfig controls the local collection emulator.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/donors.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReportConfig schedules the periodic stats log line.
// Schedule is a cron spec ("0 * * * *") or descriptor ("@every 1h"); empty disables.
type ReportConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
