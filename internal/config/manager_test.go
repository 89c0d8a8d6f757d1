package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "donornotify/pkg/logx"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	yml := writeFile(t, dir, "config.yaml", `
logging:
  level: debug
mail:
  provider: smtp
  from: service@example.com
  smtp:
    host: smtp.example.com
    port: 465
trigger:
  collection: donors
notifier:
  enabled: true
  workers: 3
`)
	js := writeFile(t, dir, "config.json", `{
  "logging": {"level": "debug"},
  "mail": {"provider": "smtp", "from": "service@example.com", "smtp": {"host": "smtp.example.com", "port": 465}},
  "trigger": {"collection": "donors"},
  "notifier": {"enabled": true, "workers": 3}
}`)

	for _, p := range []string{yml, js} {
		m := NewManager(p)
		m.SetLookup(envMap(nil))
		cfg, err := m.Parse()
		if err != nil {
			t.Fatalf("%s: Parse: %v", filepath.Base(p), err)
		}
		if cfg.Mail.SMTP.Host != "smtp.example.com" || cfg.Mail.SMTP.Port != 465 {
			t.Fatalf("%s: smtp = %+v", filepath.Base(p), cfg.Mail.SMTP)
		}
		if cfg.Notifier == nil || !cfg.Notifier.Enabled || cfg.Notifier.Workers != 3 {
			t.Fatalf("%s: notifier = %+v", filepath.Base(p), cfg.Notifier)
		}
		if cfg.Store != nil {
			t.Fatalf("%s: store should be nil when omitted", filepath.Base(p))
		}
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "mail:\n  provider: smtp\n  smtpp: {}\n")
	m := NewManager(p)
	m.SetLookup(envMap(nil))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "smtpp") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"trigger":{"collection":"a"}}{"trigger":{}}`)
	m := NewManager(p)
	m.SetLookup(envMap(nil))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestParseEmptyFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "")
	m := NewManager(p)
	m.SetLookup(envMap(nil))
	if _, err := m.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		base  Config
		env   map[string]string
		check func(t *testing.T, c Config)
		err   bool
	}{
		{
			name: "secrets from env",
			env:  map[string]string{"MAIL_USERNAME": "svc@example.com", "MAIL_PASSWORD": "app-pass"},
			check: func(t *testing.T, c Config) {
				if c.Mail.SMTP.Password != "app-pass" {
					t.Fatalf("password not applied")
				}
				if c.Mail.From != "svc@example.com" {
					t.Fatalf("from = %q, want username fallback", c.Mail.From)
				}
			},
		},
		{
			name: "explicit from wins over username",
			base: Config{Mail: MailConfig{From: "noreply@example.com"}},
			env:  map[string]string{"MAIL_USERNAME": "svc@example.com"},
			check: func(t *testing.T, c Config) {
				if c.Mail.From != "noreply@example.com" {
					t.Fatalf("from = %q", c.Mail.From)
				}
			},
		},
		{
			name: "blank env does not clear file values",
			base: Config{Mail: MailConfig{Provider: "brevo"}},
			env:  map[string]string{"MAIL_PROVIDER": "  "},
			check: func(t *testing.T, c Config) {
				if c.Mail.Provider != "brevo" {
					t.Fatalf("provider = %q", c.Mail.Provider)
				}
			},
		},
		{
			name: "PORT fills empty addr",
			env:  map[string]string{"PORT": "9090"},
			check: func(t *testing.T, c Config) {
				if c.Server.Addr != ":9090" {
					t.Fatalf("addr = %q", c.Server.Addr)
				}
			},
		},
		{
			name: "PORT ignored when addr set",
			base: Config{Server: ServerConfig{Addr: "127.0.0.1:8000"}},
			env:  map[string]string{"PORT": "9090"},
			check: func(t *testing.T, c Config) {
				if c.Server.Addr != "127.0.0.1:8000" {
					t.Fatalf("addr = %q", c.Server.Addr)
				}
			},
		},
		{
			name: "HTTP_ADDR overrides",
			base: Config{Server: ServerConfig{Addr: ":8000"}},
			env:  map[string]string{"HTTP_ADDR": ":7000", "SMTP_PORT": "2525"},
			check: func(t *testing.T, c Config) {
				if c.Server.Addr != ":7000" || c.Mail.SMTP.Port != 2525 {
					t.Fatalf("got %+v / %d", c.Server, c.Mail.SMTP.Port)
				}
			},
		},
		{
			name: "invalid port",
			env:  map[string]string{"SMTP_PORT": "abc"},
			err:  true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := tt.base
			err := ApplyEnv(&c, envMap(tt.env))
			if tt.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyEnv: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "trigger:\n  collection: donors\n")
	m := NewManager(p)
	m.SetLookup(envMap(nil))
	boom := errors.New("boom")
	m.SetValidator(func(context.Context, *Config) error { return boom })
	if _, err := m.Load(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected validator error, got %v", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config must not be committed")
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "trigger:\n  collection: donors\n")
	m := NewManager(p)
	m.SetLookup(envMap(nil))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	writeFile(t, dir, "config.yaml", "trigger:\n  collection: applicants\n")
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("changed reload: published=%v err=%v", published, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Trigger.Collection != "applicants" {
			t.Fatalf("collection = %q", cfg.Trigger.Collection)
		}
	default:
		t.Fatal("expected published config")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "trigger:\n  collection: donors\n")
	m := NewManager(p)
	m.SetLookup(envMap(nil))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	// The watcher may not be registered yet on the first write; keep rewriting.
	for {
		select {
		case cfg := <-ch:
			if cfg.Trigger.Collection != "applicants" {
				t.Fatalf("collection = %q", cfg.Trigger.Collection)
			}
			return
		case <-tick.C:
			writeFile(t, dir, "config.yaml", "trigger:\n  collection: applicants\n")
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Mail: MailConfig{Provider: "smtp", SMTP: SMTPConfig{Password: "old-secret"}}}
	newCfg := &Config{
		Mail:     MailConfig{Provider: "smtp", SMTP: SMTPConfig{Password: "new-secret"}},
		Notifier: &NotifierConfig{Enabled: true},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "mail,notifier" {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"mail.password_set":true`) {
		t.Fatalf("missing password_set flag: %s", buf.String())
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}
