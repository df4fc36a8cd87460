package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newWebhookServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{header: r.Header.Clone(), body: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, &captured
}

func writeWebhookConfig(t *testing.T, root, url, secret, events string) {
	t.Helper()
	content := fmt.Sprintf(`
version: 1
enabled: true
webhooks:
  - name: test-endpoint
    url: %s
    events: [%s]
    secret: %q
    headers:
      X-Team: platform
`, url, events, secret)
	if err := os.WriteFile(filepath.Join(root, "webhook.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDispatch_PostsSignedEvent(t *testing.T) {
	ts, captured := newWebhookServer(t, http.StatusOK)
	root := t.TempDir()
	writeWebhookConfig(t, root, ts.URL, "hmac-key", "relay_run_complete")

	d := NewWebhookDispatcher(root)
	d.client = ts.Client()

	d.Dispatch(context.Background(), Event{
		Event:      "relay_run_complete",
		Project:    "api",
		Workflow:   "relay",
		Success:    true,
		Summary:    "deployed fine",
		CostUSD:    0.12,
		DurationMs: 9000,
		Model:      "sonnet",
		Platform:   "slack",
		ChannelID:  "C1",
	})

	if len(*captured) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(*captured))
	}
	req := (*captured)[0]

	if ct := req.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if ua := req.header.Get("User-Agent"); ua != "PilotLynx-Webhook/1.0" {
		t.Errorf("user agent = %q", ua)
	}
	if team := req.header.Get("X-Team"); team != "platform" {
		t.Errorf("custom header = %q", team)
	}

	mac := hmac.New(sha256.New, []byte("hmac-key"))
	mac.Write(req.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig := req.header.Get("X-PilotLynx-Signature"); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}

	var ev Event
	if err := json.Unmarshal(req.body, &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if ev.Project != "api" || !ev.Success || ev.Timestamp == "" {
		t.Errorf("payload = %+v", ev)
	}
}

func TestDispatch_FiltersUnsubscribedEvents(t *testing.T) {
	ts, captured := newWebhookServer(t, http.StatusOK)
	root := t.TempDir()
	writeWebhookConfig(t, root, ts.URL, "", "relay_run_failed")

	d := NewWebhookDispatcher(root)
	d.client = ts.Client()

	d.Dispatch(context.Background(), Event{Event: "relay_run_complete", Project: "api"})
	if len(*captured) != 0 {
		t.Errorf("unsubscribed event delivered %d times", len(*captured))
	}

	d.Dispatch(context.Background(), Event{Event: "relay_run_failed", Project: "api"})
	if len(*captured) != 1 {
		t.Errorf("subscribed event delivered %d times, want 1", len(*captured))
	}
	// No secret configured means no signature header.
	if sig := (*captured)[0].header.Get("X-PilotLynx-Signature"); sig != "" {
		t.Errorf("unexpected signature %q", sig)
	}
}

func TestDispatch_TruncatesSummary(t *testing.T) {
	ts, captured := newWebhookServer(t, http.StatusOK)
	root := t.TempDir()
	writeWebhookConfig(t, root, ts.URL, "", "relay_run_complete")

	d := NewWebhookDispatcher(root)
	d.client = ts.Client()

	d.Dispatch(context.Background(), Event{
		Event:   "relay_run_complete",
		Summary: strings.Repeat("s", maxSummaryLen+50),
	})

	var ev Event
	if err := json.Unmarshal((*captured)[0].body, &ev); err != nil {
		t.Fatal(err)
	}
	if len(ev.Summary) != maxSummaryLen {
		t.Errorf("summary length = %d, want %d", len(ev.Summary), maxSummaryLen)
	}
}

func TestDispatch_TruncationKeepsValidUTF8(t *testing.T) {
	ts, captured := newWebhookServer(t, http.StatusOK)
	root := t.TempDir()
	writeWebhookConfig(t, root, ts.URL, "", "relay_run_complete")

	d := NewWebhookDispatcher(root)
	d.client = ts.Client()

	// 100 three-byte runes: 300 bytes, and 200 falls mid-rune.
	d.Dispatch(context.Background(), Event{
		Event:   "relay_run_complete",
		Summary: strings.Repeat("日", 100),
	})

	var ev Event
	if err := json.Unmarshal((*captured)[0].body, &ev); err != nil {
		t.Fatal(err)
	}
	if len(ev.Summary) > maxSummaryLen {
		t.Errorf("summary length = %d, want <= %d", len(ev.Summary), maxSummaryLen)
	}
	if !utf8.ValidString(ev.Summary) {
		t.Error("truncated summary is not valid UTF-8")
	}
	if len(ev.Summary) != 198 {
		t.Errorf("summary cut at %d bytes, want the rune boundary 198", len(ev.Summary))
	}
}

func TestDispatch_DeadLettersFailures(t *testing.T) {
	ts, _ := newWebhookServer(t, http.StatusInternalServerError)
	root := t.TempDir()
	writeWebhookConfig(t, root, ts.URL, "", "relay_run_failed")

	d := NewWebhookDispatcher(root)
	d.client = ts.Client()

	d.Dispatch(context.Background(), Event{Event: "relay_run_failed", Project: "api"})

	data, err := os.ReadFile(filepath.Join(root, "webhooks", "dead-letter.jsonl"))
	if err != nil {
		t.Fatalf("dead-letter file: %v", err)
	}

	var entry struct {
		Endpoint string `json:"endpoint"`
		Error    string `json:"error"`
		Event    Event  `json:"event"`
	}
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		t.Fatalf("dead-letter line not JSON: %v", err)
	}
	if entry.Endpoint != "test-endpoint" || entry.Event.Project != "api" {
		t.Errorf("entry = %+v", entry)
	}
	if !strings.Contains(entry.Error, "500") {
		t.Errorf("error = %q, want status mentioned", entry.Error)
	}
}

func TestDispatch_DisabledConfigIsNoop(t *testing.T) {
	ts, captured := newWebhookServer(t, http.StatusOK)
	root := t.TempDir()
	content := fmt.Sprintf("version: 1\nenabled: false\nwebhooks:\n  - name: off\n    url: %s\n    events: [relay_run_complete]\n", ts.URL)
	if err := os.WriteFile(filepath.Join(root, "webhook.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewWebhookDispatcher(root)
	d.client = ts.Client()

	d.Dispatch(context.Background(), Event{Event: "relay_run_complete"})
	if len(*captured) != 0 {
		t.Error("disabled config still delivered")
	}
}
