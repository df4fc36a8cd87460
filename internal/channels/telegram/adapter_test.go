package telegram

import (
	"strconv"
	"testing"

	"github.com/mymmrac/telego"
)

func TestParseBotCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		cmd  string
		args []string
		ok   bool
	}{
		{"plain", "/status", "status", nil, true},
		{"with bot suffix", "/bind@pilotlynx_bot api", "bind", []string{"api"}, true},
		{"args", "/bind api extra", "bind", []string{"api", "extra"}, true},
		{"upper case", "/STATUS", "status", nil, true},
		{"not a command", "hello there", "", nil, false},
		{"bare slash", "/", "", nil, false},
		{"slash at only", "/@bot", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := parseBotCommand(tt.text)
			if ok != tt.ok {
				t.Fatalf("parseBotCommand(%q) ok = %v, want %v", tt.text, ok, tt.ok)
			}
			if !ok {
				return
			}
			if cmd.name != tt.cmd {
				t.Errorf("name = %q, want %q", cmd.name, tt.cmd)
			}
			if len(cmd.args) != len(tt.args) {
				t.Fatalf("args = %v, want %v", cmd.args, tt.args)
			}
			for i := range tt.args {
				if cmd.args[i] != tt.args[i] {
					t.Errorf("arg %d = %q, want %q", i, cmd.args[i], tt.args[i])
				}
			}
		})
	}
}

func TestEmojiName(t *testing.T) {
	tests := []struct {
		emoji string
		want  string
		known bool
	}{
		{"\U0001F44D", "thumbsup", true},
		{"\U0001F44E", "thumbsdown", true},
		{"⭐", "star", true},
		{"\U0001F31F", "glowing_star", true},
		{"\U0001F440", "eyes", true},
		{"\U0001F6D1", "stop_sign", true},
		{"\U0001F6AB", "octagonal_sign", true},
		{"\U0001F389", "", false}, // party popper, not classified
		{"", "", false},
	}

	for _, tt := range tests {
		got, known := emojiName(tt.emoji)
		if got != tt.want || known != tt.known {
			t.Errorf("emojiName(%q) = %q, %v; want %q, %v", tt.emoji, got, known, tt.want, tt.known)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		user telego.User
		want string
	}{
		{telego.User{Username: "anak", FirstName: "Ana"}, "anak"},
		{telego.User{FirstName: "Ana", LastName: "K"}, "Ana K"},
		{telego.User{FirstName: "Ana"}, "Ana"},
		{telego.User{}, ""},
	}

	for _, tt := range tests {
		if got := displayName(&tt.user); got != tt.want {
			t.Errorf("displayName(%+v) = %q, want %q", tt.user, got, tt.want)
		}
	}
}

func newTestAdapter() *Adapter {
	return &Adapter{roots: make(map[string]string)}
}

func TestResolveRoot_TopLevelMessage(t *testing.T) {
	a := newTestAdapter()

	root := a.resolveRoot(&telego.Message{MessageID: 100})
	if root != "100" {
		t.Errorf("root = %q, want the message itself", root)
	}
}

func TestResolveRoot_ReplyChain(t *testing.T) {
	a := newTestAdapter()

	// 100 starts the conversation; 101 replies to 100; 102 replies to 101.
	a.resolveRoot(&telego.Message{MessageID: 100})
	mid := a.resolveRoot(&telego.Message{
		MessageID:      101,
		ReplyToMessage: &telego.Message{MessageID: 100},
	})
	if mid != "100" {
		t.Fatalf("direct reply root = %q, want 100", mid)
	}

	deep := a.resolveRoot(&telego.Message{
		MessageID:      102,
		ReplyToMessage: &telego.Message{MessageID: 101},
	})
	if deep != "100" {
		t.Errorf("nested reply root = %q, want chain walked to 100", deep)
	}
}

func TestResolveRoot_UnknownParent(t *testing.T) {
	a := newTestAdapter()

	// A reply to a message seen before the process started: the parent
	// becomes the root going forward.
	root := a.resolveRoot(&telego.Message{
		MessageID:      205,
		ReplyToMessage: &telego.Message{MessageID: 200},
	})
	if root != "200" {
		t.Errorf("root = %q, want the unseen parent 200", root)
	}

	// A sibling reply to the same parent joins the same conversation.
	sibling := a.resolveRoot(&telego.Message{
		MessageID:      206,
		ReplyToMessage: &telego.Message{MessageID: 200},
	})
	if sibling != "200" {
		t.Errorf("sibling root = %q, want 200", sibling)
	}
}

func TestResolveRoot_CacheEviction(t *testing.T) {
	a := newTestAdapter()

	for i := 0; i < replyRootCacheSize+100; i++ {
		a.resolveRoot(&telego.Message{MessageID: i})
	}

	a.rootsMu.Lock()
	size := len(a.roots)
	a.rootsMu.Unlock()
	if size > replyRootCacheSize {
		t.Errorf("roots cache = %d entries, want <= %d", size, replyRootCacheSize)
	}
	if size == 0 {
		t.Error("eviction emptied the cache")
	}

	// The newest message must still resolve.
	last := strconv.Itoa(replyRootCacheSize + 99)
	a.rootsMu.Lock()
	_, ok := a.roots[last]
	a.rootsMu.Unlock()
	if !ok {
		t.Error("most recent message evicted")
	}
}
