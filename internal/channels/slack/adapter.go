// Package slack implements the Slack platform adapter: Socket Mode or HTTP
// Events delivery, native streaming via message edits, reactions, and
// thread history.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"

	"github.com/pilotlynx/pilotlynx/internal/bus"
	"github.com/pilotlynx/pilotlynx/internal/channels"
	"github.com/pilotlynx/pilotlynx/internal/config"
)

// maxMessageLen is Slack's effective text limit for chat.postMessage.
const maxMessageLen = 4000

// displayNameCacheSize bounds the users.info LRU.
const displayNameCacheSize = 512

// Adapter is the Slack implementation of channels.Adapter.
type Adapter struct {
	cfg config.SlackConfig
	api *slack.Client

	events *eventServer // http mode

	botUserID string
	botID     string

	names *lru.Cache[string, string]
	dedup *dedupe

	onMessage  bus.MessageHandler
	onReaction bus.ReactionHandler
	onCommand  bus.CommandHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates the adapter. In socket mode appToken must be an app-level
// token; in http mode signingSecret must be set.
func New(cfg config.SlackConfig, botToken, appToken, signingSecret string) (*Adapter, error) {
	opts := []slack.Option{}
	if cfg.Mode == config.SlackModeSocket {
		if appToken == "" {
			return nil, fmt.Errorf("slack socket mode requires SLACK_APP_TOKEN")
		}
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	} else if signingSecret == "" {
		return nil, fmt.Errorf("slack http mode requires SLACK_SIGNING_SECRET")
	}

	names, err := lru.New[string, string](displayNameCacheSize)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:   cfg,
		api:   slack.New(botToken, opts...),
		names: names,
		dedup: newDedupe(),
	}
	if cfg.Mode != config.SlackModeSocket {
		a.events = newEventServer(a, cfg.Port, signingSecret)
	}
	return a, nil
}

func (a *Adapter) Name() string { return "slack" }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		NativeStreaming:       true,
		MaxStreamUpdateHz:     3.3, // one edit per 300ms
		SupportsReactions:     true,
		SupportsSlashCommands: true,
		SupportsThreads:       true,
		MaxMessageLength:      maxMessageLen,
	}
}

func (a *Adapter) SetOnMessage(h bus.MessageHandler)   { a.onMessage = h }
func (a *Adapter) SetOnReaction(h bus.ReactionHandler) { a.onReaction = h }
func (a *Adapter) SetOnCommand(h bus.CommandHandler)   { a.onCommand = h }

// Start resolves the bot identity and begins consuming events.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.botID = auth.BotID

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.stopped = make(chan struct{})
	a.mu.Unlock()

	if a.cfg.Mode == config.SlackModeSocket {
		go a.runSocket(runCtx)
	} else {
		go a.runEvents(runCtx)
	}
	slog.Info("slack adapter started", "mode", a.cfg.Mode, "bot_user", a.botUserID)
	return nil
}

// Stop cancels the event loop and waits for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, stopped := a.cancel, a.stopped
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SendMessage posts into the thread (or channel when conversationID is
// empty) and returns the message timestamp.
func (a *Adapter) SendMessage(ctx context.Context, channelID, conversationID, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if conversationID != "" && conversationID != channelID {
		opts = append(opts, slack.MsgOptionTS(conversationID))
	}
	_, ts, err := a.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return ts, nil
}

// UpdateMessage edits an existing message.
func (a *Adapter) UpdateMessage(ctx context.Context, channelID, messageID, text string) error {
	_, _, _, err := a.api.UpdateMessageContext(ctx, channelID, messageID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

// StartStream opens a streaming message edited in place, debounced to one
// edit per 300ms.
func (a *Adapter) StartStream(ctx context.Context, channelID, conversationID string) (channels.StreamHandle, error) {
	return newStream(a, channelID, conversationID), nil
}

// UploadFile attaches a file to the thread.
func (a *Adapter) UploadFile(ctx context.Context, channelID, conversationID, filename string, data []byte) error {
	_, err := a.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         channelID,
		ThreadTimestamp: conversationID,
		Filename:        filename,
		FileSize:        len(data),
		Reader:          bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	return nil
}

// GetThreadHistory fetches thread replies newer than afterTs.
func (a *Adapter) GetThreadHistory(ctx context.Context, channelID, conversationID string, afterTs time.Time) ([]bus.ChatMessage, error) {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: conversationID,
		Limit:     100,
	}
	if !afterTs.IsZero() {
		params.Oldest = fmt.Sprintf("%.6f", float64(afterTs.UnixMicro())/1e6)
	}

	msgs, _, _, err := a.api.GetConversationRepliesContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("slack thread history: %w", err)
	}

	out := make([]bus.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		ts := parseSlackTs(m.Timestamp)
		if !afterTs.IsZero() && !ts.After(afterTs) {
			continue
		}
		out = append(out, bus.ChatMessage{
			Platform:       "slack",
			ChannelID:      channelID,
			ConversationID: conversationID,
			MessageID:      m.Timestamp,
			UserID:         m.User,
			UserName:       a.displayName(ctx, m.User),
			Text:           m.Text,
			Timestamp:      ts,
			IsBot:          m.BotID != "" || m.User == a.botUserID,
		})
	}
	return out, nil
}

// displayName resolves a user's display name through the LRU cache. Lookup
// failures fall back to the raw ID.
func (a *Adapter) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok := a.names.Get(userID); ok {
		return name
	}
	user, err := a.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Debug("slack users.info failed", "user", userID, "error", err)
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	a.names.Add(userID, name)
	return name
}

// isSelf filters the bot's own traffic.
func (a *Adapter) isSelf(userID, botID string) bool {
	return (userID != "" && userID == a.botUserID) || (botID != "" && botID == a.botID)
}

// parseSlackTs converts a "1712345678.123456" timestamp.
func parseSlackTs(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micro int64
	if frac != "" {
		micro, _ = strconv.ParseInt((frac + "000000")[:6], 10, 64)
	}
	return time.Unix(s, micro*1000)
}
