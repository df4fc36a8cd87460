package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Webhook event names the relay emits.
const (
	EventRunComplete      = "run_complete"
	EventRunFailed        = "run_failed"
	EventRelayRunComplete = "relay_run_complete"
	EventRelayRunFailed   = "relay_run_failed"
)

var knownWebhookEvents = map[string]bool{
	EventRunComplete:      true,
	EventRunFailed:        true,
	EventRelayRunComplete: true,
	EventRelayRunFailed:   true,
}

// WebhookEndpoint is one outbound webhook target from webhook.yaml.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"`
	Secret  string            `yaml:"secret,omitempty"`  // HMAC-SHA-256 key
	Headers map[string]string `yaml:"headers,omitempty"` // merged into each request
	Enabled *bool             `yaml:"enabled,omitempty"` // nil = enabled
}

// IsEnabled reports whether the endpoint should receive deliveries.
func (e WebhookEndpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// WantsEvent reports whether the endpoint subscribes to the event name.
func (e WebhookEndpoint) WantsEvent(event string) bool {
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// WebhookConfig is the schema of webhook.yaml.
type WebhookConfig struct {
	Version  int               `yaml:"version"`
	Enabled  bool              `yaml:"enabled"`
	Webhooks []WebhookEndpoint `yaml:"webhooks"`
}

// LoadWebhooks reads webhook.yaml from the config root. A missing file means
// webhooks are disabled; that is not an error. Endpoints with non-HTTPS URLs
// or no valid events are dropped with a warning.
func LoadWebhooks(root string) (*WebhookConfig, error) {
	path := filepath.Join(root, "webhook.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &WebhookConfig{Version: 1}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg WebhookConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	valid := cfg.Webhooks[:0]
	for _, ep := range cfg.Webhooks {
		u, err := url.Parse(ep.URL)
		if err != nil || !strings.EqualFold(u.Scheme, "https") {
			slog.Warn("webhook endpoint dropped: HTTPS required", "name", ep.Name, "url", ep.URL)
			continue
		}
		events := ep.Events[:0]
		for _, ev := range ep.Events {
			if !knownWebhookEvents[ev] {
				slog.Warn("webhook endpoint subscribes to unknown event", "name", ep.Name, "event", ev)
				continue
			}
			events = append(events, ev)
		}
		ep.Events = events
		if len(ep.Events) == 0 {
			continue
		}
		valid = append(valid, ep)
	}
	cfg.Webhooks = valid
	return &cfg, nil
}
