package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pilotlynx/pilotlynx/internal/bus"
	"github.com/pilotlynx/pilotlynx/internal/config"
	"github.com/pilotlynx/pilotlynx/internal/store"
)

type fakeHistory struct {
	messages []bus.ChatMessage
	thread   *store.ConversationThread
	cached   []bus.ChatMessage
}

func (f *fakeHistory) GetCachedMessages(conversationID string, afterTs time.Time) ([]bus.ChatMessage, error) {
	return append([]bus.ChatMessage(nil), f.messages...), nil
}

func (f *fakeHistory) GetThread(conversationID string) (*store.ConversationThread, error) {
	return f.thread, nil
}

func (f *fakeHistory) CacheMessages(msgs []bus.ChatMessage) error {
	f.cached = append(f.cached, msgs...)
	return nil
}

func testConfig() config.ContextConfig {
	return config.ContextConfig{
		MaxMessagesPerThread: 50,
		MaxCharsPerMessage:   2000,
		TokenBudget:          8000,
		StaleThreadDays:      7,
	}
}

func baseRequest() Request {
	return Request{
		ChannelID:      "C1",
		ConversationID: "T1",
		UserMessage:    "deploy the api",
		UserName:       "ana",
		Project:        "api",
		Platform:       "slack",
	}
}

func TestAssemble_Sections(t *testing.T) {
	hist := &fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: "what changed?", Timestamp: time.Now().Add(-time.Minute)},
			{MessageID: "m2", UserID: "B1", UserName: "relay", Text: "three commits since Friday", Timestamp: time.Now(), IsBot: true},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}
	a := New(hist, testConfig())

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.IsStale {
		t.Error("active thread marked stale")
	}
	if res.Messages != 2 {
		t.Errorf("messages = %d, want 2", res.Messages)
	}

	p := res.Prompt
	for _, want := range []string{
		"<system_context>",
		`project "api" via slack`,
		"untrusted user input",
		"<conversation_history>",
		"ana: <user_message>what changed?</user_message>",
		"relay: three commits since Friday",
		`<current_request user="ana">`,
		"deploy the api",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q\n%s", want, p)
		}
	}
	// Bot lines are never wrapped as user input.
	if strings.Contains(p, "<user_message>three commits") {
		t.Error("bot message wrapped in user_message tags")
	}
}

func TestAssemble_StaleThread(t *testing.T) {
	hist := &fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: "old context", Timestamp: time.Now().AddDate(0, 0, -30)},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now().AddDate(0, 0, -30)},
	}
	a := New(hist, testConfig())

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsStale {
		t.Error("inactive thread not marked stale")
	}
	if res.Messages != 0 {
		t.Errorf("stale thread included %d history messages", res.Messages)
	}
	if strings.Contains(res.Prompt, "old context") {
		t.Error("stale history leaked into prompt")
	}
	if !strings.Contains(res.Prompt, "treat this as a fresh thread") {
		t.Error("stale notice missing")
	}
}

func TestAssemble_UnknownThread(t *testing.T) {
	a := New(&fakeHistory{}, testConfig())

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.IsStale {
		t.Error("new conversation marked stale")
	}
	if strings.Contains(res.Prompt, "<conversation_history>") {
		t.Error("empty history rendered a history section")
	}
}

func TestAssemble_DropsCurrentRequest(t *testing.T) {
	req := baseRequest()
	hist := &fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: "earlier question", Timestamp: time.Now().Add(-time.Minute)},
			{MessageID: "m2", UserID: "U1", UserName: req.UserName, Text: req.UserMessage, Timestamp: time.Now()},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}
	a := New(hist, testConfig())

	res, err := a.Assemble(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 {
		t.Errorf("messages = %d, want 1 after dropping the echoed request", res.Messages)
	}
	if strings.Count(res.Prompt, req.UserMessage) != 1 {
		t.Error("current request appears in history and request blocks")
	}
}

func TestAssemble_TopUp(t *testing.T) {
	hist := &fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: "cached", Timestamp: time.Now().Add(-time.Hour)},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}
	a := New(hist, testConfig())

	req := baseRequest()
	req.Fetch = func(ctx context.Context, channelID, threadID string, afterTs time.Time) ([]bus.ChatMessage, error) {
		if afterTs.IsZero() {
			t.Error("top-up called with zero cutoff despite cached history")
		}
		return []bus.ChatMessage{
			{MessageID: "m2", UserID: "U2", UserName: "li", Text: "fetched from platform", Timestamp: time.Now()},
		}, nil
	}

	res, err := a.Assemble(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 2 {
		t.Errorf("messages = %d, want cached + fetched", res.Messages)
	}
	if !strings.Contains(res.Prompt, "fetched from platform") {
		t.Error("topped-up message missing from prompt")
	}
	if len(hist.cached) != 1 || hist.cached[0].MessageID != "m2" {
		t.Errorf("topped-up messages not written back: %+v", hist.cached)
	}
}

func TestAssemble_TopUpFailureNonFatal(t *testing.T) {
	hist := &fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: "cached survives", Timestamp: time.Now().Add(-time.Hour)},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}
	a := New(hist, testConfig())

	req := baseRequest()
	req.Fetch = func(ctx context.Context, channelID, threadID string, afterTs time.Time) ([]bus.ChatMessage, error) {
		return nil, errors.New("platform down")
	}

	res, err := a.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("top-up failure became fatal: %v", err)
	}
	if !strings.Contains(res.Prompt, "cached survives") {
		t.Error("cached history lost on top-up failure")
	}
}

func TestAssemble_MessageCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessagesPerThread = 3

	var msgs []bus.ChatMessage
	for i := 0; i < 10; i++ {
		msgs = append(msgs, bus.ChatMessage{
			MessageID: string(rune('a' + i)),
			UserID:    "U1", UserName: "ana",
			Text:      "message " + string(rune('a'+i)),
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
		})
	}
	a := New(&fakeHistory{
		messages: msgs,
		thread:   &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}, cfg)

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 3 {
		t.Errorf("messages = %d, want cap of 3", res.Messages)
	}
	// The newest messages are kept.
	if !strings.Contains(res.Prompt, "message j") || strings.Contains(res.Prompt, "message a") {
		t.Error("cap kept the wrong end of the history")
	}
}

func TestAssemble_CharBudgetDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBudget = 100 // 400 char budget
	cfg.MaxCharsPerMessage = 300

	a := New(&fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: strings.Repeat("a", 250), Timestamp: time.Now().Add(-2 * time.Minute)},
			{MessageID: "m2", UserID: "U1", UserName: "ana", Text: strings.Repeat("b", 250), Timestamp: time.Now().Add(-time.Minute)},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}, cfg)

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 {
		t.Errorf("messages = %d, want oldest dropped to fit budget", res.Messages)
	}
	if strings.Contains(res.Prompt, "aaaa") {
		t.Error("oldest message kept over the newest")
	}
}

func TestAssemble_PerMessageTruncation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCharsPerMessage = 20

	a := New(&fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U1", UserName: "ana", Text: strings.Repeat("x", 100), Timestamp: time.Now()},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}, cfg)

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Prompt, strings.Repeat("x", 20)+"…") {
		t.Error("long message not truncated with marker")
	}
	if strings.Contains(res.Prompt, strings.Repeat("x", 21)) {
		t.Error("message exceeds per-message cap")
	}
}

func TestAssemble_NameFallsBackToUserID(t *testing.T) {
	a := New(&fakeHistory{
		messages: []bus.ChatMessage{
			{MessageID: "m1", UserID: "U99", Text: "no display name", Timestamp: time.Now()},
		},
		thread: &store.ConversationThread{ConversationID: "T1", LastActivityAt: time.Now()},
	}, testConfig())

	res, err := a.Assemble(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Prompt, "U99: <user_message>") {
		t.Error("missing user ID fallback for unnamed sender")
	}
}
