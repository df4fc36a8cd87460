package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pilotlynx/pilotlynx/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Migrations must be a no-op the second time.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if size, err := s.DBSizeBytes(); err != nil || size <= 0 {
		t.Errorf("DBSizeBytes = %d, %v", size, err)
	}
}

func TestBindings(t *testing.T) {
	s := openTestStore(t)

	if b, err := s.LookupBinding("slack", "C1"); err != nil || b != nil {
		t.Fatalf("lookup on empty store = %v, %v; want nil, nil", b, err)
	}

	if err := s.SaveBinding(Binding{Platform: "slack", ChannelID: "C1", Project: "api", BoundBy: "U1"}); err != nil {
		t.Fatal(err)
	}
	b, err := s.LookupBinding("slack", "C1")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Project != "api" || b.BoundBy != "U1" {
		t.Fatalf("binding = %+v", b)
	}

	// Rebinding the same channel overwrites.
	if err := s.SaveBinding(Binding{Platform: "slack", ChannelID: "C1", Project: "web", BoundBy: "U2"}); err != nil {
		t.Fatal(err)
	}
	b, err = s.LookupBinding("slack", "C1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Project != "web" {
		t.Errorf("project after rebind = %q, want web", b.Project)
	}

	// Same channel ID on another platform is a distinct binding.
	if err := s.SaveBinding(Binding{Platform: "telegram", ChannelID: "C1", Project: "api", BoundBy: "U1"}); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListBindings()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("ListBindings = %d rows, want 2", len(all))
	}

	removed, err := s.RemoveBinding("slack", "C1")
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.RemoveBinding("slack", "C1")
	if err != nil || removed {
		t.Fatalf("second remove = %v, %v; want false, nil", removed, err)
	}
}

func TestGetChannelForProject(t *testing.T) {
	s := openTestStore(t)

	if ch, err := s.GetChannelForProject("slack", "api"); err != nil || ch != "" {
		t.Fatalf("unbound project = %q, %v; want empty, nil", ch, err)
	}

	now := time.Now()
	if err := s.SaveBinding(Binding{Platform: "slack", ChannelID: "C1", Project: "api", BoundAt: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBinding(Binding{Platform: "slack", ChannelID: "C2", Project: "api", BoundAt: now}); err != nil {
		t.Fatal(err)
	}

	ch, err := s.GetChannelForProject("slack", "api")
	if err != nil {
		t.Fatal(err)
	}
	if ch != "C2" {
		t.Errorf("channel = %q, want most recently bound C2", ch)
	}
}

func TestMessageCache(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	msgs := []bus.ChatMessage{
		{MessageID: "m1", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "U1", UserName: "ana", Text: "first", Timestamp: base},
		{MessageID: "m2", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "bot", Text: "reply", Timestamp: base.Add(time.Minute), IsBot: true},
		{MessageID: "m3", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "U1", UserName: "ana", Text: "third", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if err := s.CacheMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetCachedMessages("T1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, m := range got {
		if m.MessageID != msgs[i].MessageID {
			t.Errorf("position %d = %s, want %s", i, m.MessageID, msgs[i].MessageID)
		}
	}
	if !got[1].IsBot {
		t.Error("bot flag lost on round trip")
	}

	// afterTs excludes everything at or before the cutoff.
	got, err = s.GetCachedMessages("T1", base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].MessageID != "m3" {
		t.Errorf("after cutoff = %v", got)
	}

	// Upsert by message ID must not duplicate.
	edited := msgs[0]
	edited.Text = "first (edited)"
	if err := s.CacheMessage(edited); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCachedMessages("T1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Text != "first (edited)" {
		t.Errorf("after upsert: %d messages, first = %q", len(got), got[0].Text)
	}
}

func TestCacheMessages_Batch(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	batch := []bus.ChatMessage{
		{MessageID: "b1", Platform: "telegram", ChannelID: "-100", ConversationID: "42", UserID: "7", Text: "one", Timestamp: base},
		{MessageID: "b2", Platform: "telegram", ChannelID: "-100", ConversationID: "42", UserID: "7", Text: "two", Timestamp: base.Add(time.Second)},
	}
	if err := s.CacheMessages(batch); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheMessages(nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}

	th, err := s.GetThread("42")
	if err != nil {
		t.Fatal(err)
	}
	if th == nil {
		t.Fatal("thread row not created")
	}
	if th.LastActivityAt.UnixMilli() != base.Add(time.Second).UnixMilli() {
		t.Errorf("last activity = %v, want %v", th.LastActivityAt, base.Add(time.Second))
	}
}

func TestCacheMessage_EditKeepsThreadCount(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	msg := bus.ChatMessage{MessageID: "m1", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "U1", Text: "draft", Timestamp: base}
	if err := s.CacheMessage(msg); err != nil {
		t.Fatal(err)
	}

	// An edit re-upserts under the same message ID.
	msg.Text = "final"
	if err := s.CacheMessage(msg); err != nil {
		t.Fatal(err)
	}

	th, err := s.GetThread("T1")
	if err != nil {
		t.Fatal(err)
	}
	if th == nil || th.MessageCount != 1 {
		t.Fatalf("thread after edit = %+v, want message count 1", th)
	}
	if m, _ := s.GetMessage("m1"); m == nil || m.Text != "final" {
		t.Errorf("edit not applied: %+v", m)
	}

	// A batch mixing the edited row with one new message grows the count by
	// exactly one.
	batch := []bus.ChatMessage{
		{MessageID: "m1", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "U1", Text: "final again", Timestamp: base},
		{MessageID: "m2", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "U1", Text: "new", Timestamp: base.Add(time.Second)},
	}
	if err := s.CacheMessages(batch); err != nil {
		t.Fatal(err)
	}
	th, err = s.GetThread("T1")
	if err != nil {
		t.Fatal(err)
	}
	if th.MessageCount != 2 {
		t.Errorf("thread after batch = %d messages, want 2", th.MessageCount)
	}
}

func TestGetMessage(t *testing.T) {
	s := openTestStore(t)

	if m, err := s.GetMessage("nope"); err != nil || m != nil {
		t.Fatalf("unknown message = %v, %v; want nil, nil", m, err)
	}

	want := bus.ChatMessage{MessageID: "m1", Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "bot", Text: "answer", Timestamp: time.Now().Truncate(time.Millisecond), IsBot: true}
	if err := s.CacheMessage(want); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ConversationID != "T1" || !m.IsBot || m.Text != "answer" {
		t.Errorf("got %+v", m)
	}
}

func TestPurgeConversation(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	for _, id := range []string{"p1", "p2"} {
		if err := s.CacheMessage(bus.ChatMessage{MessageID: id, Platform: "slack", ChannelID: "C1", ConversationID: "T1", UserID: "U1", Text: id, Timestamp: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CacheMessage(bus.ChatMessage{MessageID: "other", Platform: "slack", ChannelID: "C1", ConversationID: "T2", UserID: "U1", Text: "keep", Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeConversation("T1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCachedMessages("T1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("purged conversation still has %d messages", len(got))
	}
	if th, err := s.GetThread("T1"); err != nil || th != nil {
		t.Errorf("thread row survived purge: %v, %v", th, err)
	}
	kept, err := s.GetCachedMessages("T2", time.Time{})
	if err != nil || len(kept) != 1 {
		t.Errorf("other conversation affected: %d messages, %v", len(kept), err)
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := openTestStore(t)

	p := PendingMessage{
		ID: "wal-1", Platform: "slack", ChannelID: "C1", ConversationID: "T1",
		MessageID: "m1", UserID: "U1", Text: "do the thing",
	}
	if err := s.WritePendingMessage(p); err != nil {
		t.Fatal(err)
	}

	open, err := s.GetPendingMessages(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Status != PendingStatusPending {
		t.Fatalf("open rows = %+v", open)
	}

	if err := s.MarkPendingProcessing("wal-1"); err != nil {
		t.Fatal(err)
	}
	open, err = s.GetPendingMessages(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Status != PendingStatusProcessing {
		t.Fatalf("processing rows = %+v", open)
	}

	if err := s.MarkPendingDone("wal-1"); err != nil {
		t.Fatal(err)
	}
	open, err = s.GetPendingMessages(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("done row still reported open: %+v", open)
	}
}

func TestGetPendingMessages_MaxAge(t *testing.T) {
	s := openTestStore(t)

	old := PendingMessage{ID: "old", Platform: "slack", ChannelID: "C1", ConversationID: "T1", MessageID: "m1", UserID: "U1", Text: "stale", ReceivedAt: time.Now().Add(-48 * time.Hour)}
	fresh := PendingMessage{ID: "fresh", Platform: "slack", ChannelID: "C1", ConversationID: "T1", MessageID: "m2", UserID: "U1", Text: "recent", ReceivedAt: time.Now().Add(-time.Hour)}
	for _, p := range []PendingMessage{old, fresh} {
		if err := s.WritePendingMessage(p); err != nil {
			t.Fatal(err)
		}
	}

	open, err := s.GetPendingMessages(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "fresh" {
		t.Errorf("open rows = %+v, want only fresh", open)
	}

	closed, err := s.CloseStalePending(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Errorf("closed %d stale rows, want 1", closed)
	}
	open, err = s.GetPendingMessages(72 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "fresh" {
		t.Errorf("after close: %+v, want only fresh", open)
	}
}

func TestRelayRuns(t *testing.T) {
	s := openTestStore(t)

	run := RelayRun{
		ID: "r1", Platform: "slack", ChannelID: "C1", ConversationID: "T1",
		Project: "api", UserID: "U1",
	}
	if err := s.RecordRelayRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRelayRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != RunStatusRunning || got.CompletedAt != nil {
		t.Fatalf("fresh run = %+v", got)
	}

	completedAt := time.Now().Truncate(time.Millisecond)
	status := RunStatusCompleted
	cost := 0.42
	inTok, outTok := 1200, 300
	dur := int64(15000)
	model := "sonnet"
	err = s.UpdateRelayRun("r1", RunPatch{
		CompletedAt: &completedAt, Status: &status, CostUSD: &cost,
		InputTokens: &inTok, OutputTokens: &outTok, DurationMs: &dur, Model: &model,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err = s.GetRelayRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusCompleted || got.CostUSD != 0.42 || got.Model != "sonnet" {
		t.Errorf("patched run = %+v", got)
	}
	if got.CompletedAt == nil || got.CompletedAt.UnixMilli() != completedAt.UnixMilli() {
		t.Errorf("completed at = %v, want %v", got.CompletedAt, completedAt)
	}

	// Empty patch is a no-op.
	if err := s.UpdateRelayRun("r1", RunPatch{}); err != nil {
		t.Errorf("empty patch: %v", err)
	}

	if r, err := s.GetRelayRun("missing"); err != nil || r != nil {
		t.Errorf("missing run = %v, %v; want nil, nil", r, err)
	}
}

func TestRunAccounting(t *testing.T) {
	s := openTestStore(t)

	completed := RunStatusCompleted
	failed := RunStatusFailed
	seed := []struct {
		id, project string
		status      *string
		cost        float64
		started     time.Time
	}{
		{"r1", "api", &completed, 0.50, time.Now().Add(-2 * time.Hour)},
		{"r2", "api", &failed, 0.10, time.Now().Add(-time.Hour)},
		{"r3", "api", &completed, 0.25, time.Now().Add(-48 * time.Hour)},
		{"r4", "web", &completed, 1.00, time.Now().Add(-time.Hour)},
	}
	for _, row := range seed {
		if err := s.RecordRelayRun(RelayRun{ID: row.id, Platform: "slack", ChannelID: "C1", ConversationID: "T1", Project: row.project, UserID: "U1", StartedAt: row.started}); err != nil {
			t.Fatal(err)
		}
		cost := row.cost
		if err := s.UpdateRelayRun(row.id, RunPatch{Status: row.status, CostUSD: &cost}); err != nil {
			t.Fatal(err)
		}
	}

	// Daily spend only counts the past 24 hours.
	spend, err := s.GetDailySpend("api")
	if err != nil {
		t.Fatal(err)
	}
	if spend < 0.59 || spend > 0.61 {
		t.Errorf("daily spend = %f, want 0.60", spend)
	}

	stats, err := s.GetRunStats("api", 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRuns != 3 || stats.CompletedRuns != 2 || stats.FailedRuns != 1 {
		t.Errorf("api stats = %+v", stats)
	}

	stats, err = s.GetRunStats("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRuns != 4 {
		t.Errorf("global total = %d, want 4", stats.TotalRuns)
	}

	projects, err := s.ListActiveProjects(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0] != "api" || projects[1] != "web" {
		t.Errorf("active projects = %v", projects)
	}
}

func TestThreadSummary(t *testing.T) {
	s := openTestStore(t)

	if th, err := s.GetThread("nope"); err != nil || th != nil {
		t.Fatalf("unknown thread = %v, %v; want nil, nil", th, err)
	}

	if err := s.SetThreadSummary("T1", "user asked about deploys"); err != nil {
		t.Fatal(err)
	}
	th, err := s.GetThread("T1")
	if err != nil {
		t.Fatal(err)
	}
	if th == nil || th.Summary != "user asked about deploys" {
		t.Errorf("thread = %+v", th)
	}
}

func TestCleanupStaleData(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().AddDate(0, 0, -120)
	fresh := time.Now()

	if err := s.WritePendingMessage(PendingMessage{ID: "old-wal", Platform: "slack", ChannelID: "C1", ConversationID: "T1", MessageID: "m1", UserID: "U1", Text: "x", ReceivedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPendingDone("old-wal"); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheMessage(bus.ChatMessage{MessageID: "old-msg", Platform: "slack", ChannelID: "C1", ConversationID: "T-old", UserID: "U1", Text: "x", Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheMessage(bus.ChatMessage{MessageID: "new-msg", Platform: "slack", ChannelID: "C1", ConversationID: "T-new", UserID: "U1", Text: "y", Timestamp: fresh}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRelayRun(RelayRun{ID: "old-run", Platform: "slack", ChannelID: "C1", ConversationID: "T1", Project: "api", UserID: "U1", StartedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRelayRun(RelayRun{ID: "new-run", Platform: "slack", ChannelID: "C1", ConversationID: "T1", Project: "api", UserID: "U1", StartedAt: fresh}); err != nil {
		t.Fatal(err)
	}

	if err := s.CleanupStaleData(24, 30, 90); err != nil {
		t.Fatal(err)
	}

	if m, err := s.GetMessage("old-msg"); err != nil || m != nil {
		t.Errorf("old message survived: %v, %v", m, err)
	}
	if m, err := s.GetMessage("new-msg"); err != nil || m == nil {
		t.Errorf("fresh message removed: %v, %v", m, err)
	}
	if r, err := s.GetRelayRun("old-run"); err != nil || r != nil {
		t.Errorf("old run survived: %v, %v", r, err)
	}
	if r, err := s.GetRelayRun("new-run"); err != nil || r == nil {
		t.Errorf("fresh run removed: %v, %v", r, err)
	}
	if open, err := s.GetPendingMessages(365 * 24 * time.Hour); err != nil || len(open) != 0 {
		t.Errorf("pending rows after cleanup: %v, %v", open, err)
	}
	if th, err := s.GetThread("T-old"); err != nil || th != nil {
		t.Errorf("old thread survived: %v, %v", th, err)
	}
}
