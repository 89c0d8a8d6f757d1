package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Non-empty variables win
// over file values. lookup is os.LookupEnv outside tests.
//
//	MAIL_PROVIDER, MAIL_FROM, MAIL_USERNAME, MAIL_PASSWORD,
//	SMTP_HOST, SMTP_PORT, BREVO_API_KEY, LOG_LEVEL, HTTP_ADDR, PORT,
//	INGRESS_TOKEN
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("MAIL_PROVIDER"); ok {
		cfg.Mail.Provider = v
	}
	if v, ok := get("MAIL_FROM"); ok {
		cfg.Mail.From = v
	}
	if v, ok := get("MAIL_USERNAME"); ok {
		cfg.Mail.SMTP.Username = v
	}
	if v, ok := get("MAIL_PASSWORD"); ok {
		cfg.Mail.SMTP.Password = v
	}
	if v, ok := get("SMTP_HOST"); ok {
		cfg.Mail.SMTP.Host = v
	}
	if v, ok := get("SMTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("SMTP_PORT: invalid port " + strconv.Quote(v))
		}
		cfg.Mail.SMTP.Port = port
	}
	if v, ok := get("BREVO_API_KEY"); ok {
		cfg.Mail.Brevo.APIKey = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("INGRESS_TOKEN"); ok {
		cfg.Server.Token = v
	}
	if v, ok := get("HTTP_ADDR"); ok {
		cfg.Server.Addr = v
	} else if v, ok := get("PORT"); ok && strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = ":" + v
	}
	// The SMTP login doubles as the sender when no explicit address is set.
	if strings.TrimSpace(cfg.Mail.From) == "" {
		cfg.Mail.From = cfg.Mail.SMTP.Username
	}
	return nil
}
