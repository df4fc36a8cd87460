// Package notify delivers proactive output: channel notifications to bound
// projects and HMAC-signed webhook posts to external endpoints.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/pilotlynx/pilotlynx/internal/config"
)

// webhookTimeout bounds one endpoint POST.
const webhookTimeout = 10 * time.Second

// maxSummaryLen caps the summary field in webhook payloads.
const maxSummaryLen = 200

// Event is one outbound webhook payload.
type Event struct {
	Event      string  `json:"event"`
	Timestamp  string  `json:"timestamp"`
	Project    string  `json:"project"`
	Workflow   string  `json:"workflow"`
	Success    bool    `json:"success"`
	Summary    string  `json:"summary"`
	CostUSD    float64 `json:"costUsd"`
	DurationMs int64   `json:"durationMs"`
	Model      string  `json:"model,omitempty"`
	Platform   string  `json:"platform,omitempty"`
	ChannelID  string  `json:"channelId,omitempty"`
}

// WebhookDispatcher posts events to configured endpoints. webhook.yaml is
// reloaded on every dispatch so endpoint edits take effect without a
// restart.
type WebhookDispatcher struct {
	root   string
	client *http.Client
}

// NewWebhookDispatcher creates a dispatcher over the config root.
func NewWebhookDispatcher(root string) *WebhookDispatcher {
	return &WebhookDispatcher{
		root:   root,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Dispatch posts the event to every enabled endpoint subscribed to it.
// Errors are logged and dead-lettered, never returned; webhook delivery
// must not affect the run pipeline.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, ev Event) {
	cfg, err := config.LoadWebhooks(d.root)
	if err != nil {
		slog.Error("failed to load webhook config", "error", err)
		return
	}
	if !cfg.Enabled {
		return
	}

	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if len(ev.Summary) > maxSummaryLen {
		// Back off to a rune boundary so the cut never emits invalid UTF-8.
		cut := maxSummaryLen
		for cut > 0 && !utf8.RuneStart(ev.Summary[cut]) {
			cut--
		}
		ev.Summary = ev.Summary[:cut]
	}

	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal webhook event", "error", err)
		return
	}

	for _, ep := range cfg.Webhooks {
		if !ep.IsEnabled() || !ep.WantsEvent(ev.Event) {
			continue
		}
		if err := d.post(ctx, ep, body); err != nil {
			slog.Warn("webhook delivery failed",
				"endpoint", ep.Name, "event", ev.Event, "error", err)
			d.deadLetter(ep, ev, err)
		}
	}
}

func (d *WebhookDispatcher) post(ctx context.Context, ep config.WebhookEndpoint, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PilotLynx-Webhook/1.0")
	for key, value := range ep.Headers {
		req.Header.Set(key, value)
	}
	if ep.Secret != "" {
		mac := hmac.New(sha256.New, []byte(ep.Secret))
		mac.Write(body)
		req.Header.Set("X-PilotLynx-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// deadLetter appends the failed delivery to an append-only JSONL file under
// the config root so operators can inspect or replay it.
func (d *WebhookDispatcher) deadLetter(ep config.WebhookEndpoint, ev Event, cause error) {
	dir := filepath.Join(d.root, "webhooks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create dead-letter dir", "error", err)
		return
	}

	f, err := os.OpenFile(filepath.Join(dir, "dead-letter.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open dead-letter file", "error", err)
		return
	}
	defer f.Close()

	entry := struct {
		Endpoint string `json:"endpoint"`
		URL      string `json:"url"`
		FailedAt string `json:"failedAt"`
		Error    string `json:"error"`
		Event    Event  `json:"event"`
	}{
		Endpoint: ep.Name,
		URL:      ep.URL,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
		Error:    cause.Error(),
		Event:    ev,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("failed to append dead-letter entry", "error", err)
	}
}
