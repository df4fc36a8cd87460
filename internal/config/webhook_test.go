package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWebhooks(t *testing.T, root, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "webhook.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWebhooks_MissingFileDisabled(t *testing.T) {
	cfg, err := LoadWebhooks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Enabled || len(cfg.Webhooks) != 0 {
		t.Errorf("missing file config = %+v, want disabled and empty", cfg)
	}
}

func TestLoadWebhooks_FiltersEndpoints(t *testing.T) {
	root := t.TempDir()
	writeWebhooks(t, root, `
version: 1
enabled: true
webhooks:
  - name: ops
    url: https://hooks.example.com/relay
    events: [relay_run_complete, relay_run_failed]
    secret: hmac-key
  - name: insecure
    url: http://plain.example.com/hook
    events: [relay_run_complete]
  - name: unknown-events
    url: https://hooks.example.com/other
    events: [made_up_event]
  - name: mixed-events
    url: https://hooks.example.com/mixed
    events: [made_up_event, run_failed]
`)

	cfg, err := LoadWebhooks(root)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enabled {
		t.Error("enabled flag lost")
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("kept %d endpoints, want 2 (ops, mixed-events)", len(cfg.Webhooks))
	}
	if cfg.Webhooks[0].Name != "ops" || cfg.Webhooks[0].Secret != "hmac-key" {
		t.Errorf("first endpoint = %+v", cfg.Webhooks[0])
	}
	mixed := cfg.Webhooks[1]
	if mixed.Name != "mixed-events" || len(mixed.Events) != 1 || mixed.Events[0] != EventRunFailed {
		t.Errorf("mixed endpoint = %+v, want only the known event kept", mixed)
	}
}

func TestWebhookEndpoint_Flags(t *testing.T) {
	off := false
	on := true

	if !(WebhookEndpoint{}).IsEnabled() {
		t.Error("nil enabled should default to on")
	}
	if (WebhookEndpoint{Enabled: &off}).IsEnabled() {
		t.Error("explicit false reported enabled")
	}
	if !(WebhookEndpoint{Enabled: &on}).IsEnabled() {
		t.Error("explicit true reported disabled")
	}

	ep := WebhookEndpoint{Events: []string{EventRelayRunComplete}}
	if !ep.WantsEvent(EventRelayRunComplete) {
		t.Error("subscribed event not wanted")
	}
	if ep.WantsEvent(EventRelayRunFailed) {
		t.Error("unsubscribed event wanted")
	}
}
