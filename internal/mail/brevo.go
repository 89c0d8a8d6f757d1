package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBrevoBaseURL = "https://api.brevo.com"

// Brevo sends through the Brevo transactional email API.
type Brevo struct {
	cfg  BrevoConfig
	http *http.Client
}

var _ Sender = (*Brevo)(nil)

func NewBrevo(cfg BrevoConfig, timeout time.Duration) *Brevo {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBrevoBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Brevo{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

type brevoEmail struct {
	To          []map[string]string `json:"to"`
	Sender      map[string]string   `json:"sender"`
	Subject     string              `json:"subject"`
	TextContent string              `json:"textContent"`
}

func (b *Brevo) Send(ctx context.Context, msg Message) error {
	payload := brevoEmail{
		To:          []map[string]string{{"email": msg.To}},
		Sender:      map[string]string{"email": msg.From},
		Subject:     msg.Subject,
		TextContent: msg.Body,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v3/smtp/email", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.cfg.APIKey)
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("brevo send failed: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
