// Package telegram implements the Telegram platform adapter over long
// polling. Threads are emulated by walking reply chains to a root message;
// streaming honours Telegram's aggressive edit rate limits.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pilotlynx/pilotlynx/internal/bus"
	"github.com/pilotlynx/pilotlynx/internal/channels"
	"github.com/pilotlynx/pilotlynx/internal/config"
)

// maxMessageLen is Telegram's message text limit.
const maxMessageLen = 4096

// replyRootCacheSize bounds the reply-chain map used to resolve
// conversation roots.
const replyRootCacheSize = 8192

// Adapter is the Telegram implementation of channels.Adapter.
type Adapter struct {
	cfg config.TelegramConfig
	bot *telego.Bot

	onMessage  bus.MessageHandler
	onReaction bus.ReactionHandler
	onCommand  bus.CommandHandler

	rootsMu sync.Mutex
	roots   map[string]string // message ID -> conversation root ID

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter from the bot token.
func New(cfg config.TelegramConfig, token string) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		cfg:   cfg,
		bot:   bot,
		roots: make(map[string]string),
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		NativeStreaming:       a.cfg.StreamMode == config.StreamModeEdit,
		MaxStreamUpdateHz:     1.0 / (float64(a.cfg.EditIntervalMs) / 1000.0),
		SupportsReactions:     true,
		SupportsSlashCommands: true,
		SupportsThreads:       false,
		MaxMessageLength:      maxMessageLen,
	}
}

func (a *Adapter) SetOnMessage(h bus.MessageHandler)   { a.onMessage = h }
func (a *Adapter) SetOnReaction(h bus.ReactionHandler) { a.onReaction = h }
func (a *Adapter) SetOnCommand(h bus.CommandHandler)   { a.onCommand = h }

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.Background())
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "message_reaction"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram adapter started", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				switch {
				case update.Message != nil:
					a.handleMessage(update.Message)
				case update.MessageReaction != nil:
					a.handleReaction(update.MessageReaction)
				}
			}
		}
	}()
	return nil
}

// Stop halts polling and waits for the update loop to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.pollCancel == nil {
		return nil
	}
	a.pollCancel()
	select {
	case <-a.pollDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot || m.Text == "" {
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msgID := strconv.Itoa(m.MessageID)
	conversation := a.resolveRoot(m)

	if cmd, ok := parseBotCommand(m.Text); ok && a.onCommand != nil {
		a.onCommand(bus.Command{
			Platform:  "telegram",
			ChannelID: chatID,
			UserID:    strconv.FormatInt(m.From.ID, 10),
			Command:   cmd.name,
			Args:      cmd.args,
		})
		return
	}

	if a.onMessage == nil {
		return
	}
	a.onMessage(bus.ChatMessage{
		Platform:       "telegram",
		ChannelID:      chatID,
		ConversationID: conversation,
		MessageID:      msgID,
		UserID:         strconv.FormatInt(m.From.ID, 10),
		UserName:       displayName(m.From),
		Text:           m.Text,
		Timestamp:      time.Unix(m.Date, 0),
	})
}

func (a *Adapter) handleReaction(r *telego.MessageReactionUpdated) {
	if a.onReaction == nil || r.User == nil {
		return
	}
	for _, reaction := range r.NewReaction {
		// Paid and custom-emoji reactions carry no stable name; only
		// plain emoji reactions are classified.
		emoji, ok := reaction.(*telego.ReactionTypeEmoji)
		if !ok {
			continue
		}
		name, known := emojiName(emoji.Emoji)
		if !known {
			continue
		}
		a.onReaction(bus.Reaction{
			Platform:  "telegram",
			ChannelID: strconv.FormatInt(r.Chat.ID, 10),
			MessageID: strconv.Itoa(r.MessageID),
			UserID:    strconv.FormatInt(r.User.ID, 10),
			Emoji:     name,
		})
	}
}

// resolveRoot walks the reply chain to the conversation root. Telegram only
// ships the direct parent, so roots seen earlier are cached by message ID.
func (a *Adapter) resolveRoot(m *telego.Message) string {
	msgID := strconv.Itoa(m.MessageID)

	a.rootsMu.Lock()
	defer a.rootsMu.Unlock()

	root := msgID
	if m.ReplyToMessage != nil {
		parentID := strconv.Itoa(m.ReplyToMessage.MessageID)
		if known, ok := a.roots[parentID]; ok {
			root = known
		} else {
			root = parentID
			a.roots[parentID] = parentID
		}
	}

	if len(a.roots) >= replyRootCacheSize {
		for k := range a.roots {
			delete(a.roots, k)
			if len(a.roots) < replyRootCacheSize/2 {
				break
			}
		}
	}
	a.roots[msgID] = root
	return root
}

// SendMessage posts text as a reply to the conversation root.
func (a *Adapter) SendMessage(ctx context.Context, channelID, conversationID, text string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad chat id %q: %w", channelID, err)
	}

	params := tu.Message(tu.ID(chatID), text)
	if conversationID != "" && conversationID != channelID {
		if replyTo, err := strconv.Atoi(conversationID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{
				MessageID:                replyTo,
				AllowSendingWithoutReply: true,
			}
		}
	}

	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}

	msgID := strconv.Itoa(sent.MessageID)
	a.rootsMu.Lock()
	if conversationID != "" {
		a.roots[msgID] = conversationID
	}
	a.rootsMu.Unlock()
	return msgID, nil
}

// UpdateMessage edits a previously sent message.
func (a *Adapter) UpdateMessage(ctx context.Context, channelID, messageID, text string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", channelID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	_, err = a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// StartStream opens a streaming preview in edit mode. Chunked and
// final-only modes stream nothing; the final chunked post is the delivery.
func (a *Adapter) StartStream(ctx context.Context, channelID, conversationID string) (channels.StreamHandle, error) {
	if a.cfg.StreamMode != config.StreamModeEdit {
		return channels.NopStream{}, nil
	}
	return newStream(a, channelID, conversationID, time.Duration(a.cfg.EditIntervalMs)*time.Millisecond), nil
}

// UploadFile sends a document into the conversation.
func (a *Adapter) UploadFile(ctx context.Context, channelID, conversationID, filename string, data []byte) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", channelID, err)
	}
	params := tu.Document(tu.ID(chatID), tu.FileFromBytes(data, filename))
	if conversationID != "" && conversationID != channelID {
		if replyTo, err := strconv.Atoi(conversationID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{
				MessageID:                replyTo,
				AllowSendingWithoutReply: true,
			}
		}
	}
	if _, err := a.bot.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("telegram upload: %w", err)
	}
	return nil
}

// GetThreadHistory is unsupported; Telegram has no thread fetch API. The
// store's cache is the only history source.
func (a *Adapter) GetThreadHistory(ctx context.Context, channelID, conversationID string, afterTs time.Time) ([]bus.ChatMessage, error) {
	return nil, nil
}

type botCommand struct {
	name string
	args []string
}

// parseBotCommand recognises "/cmd@bot arg ..." messages.
func parseBotCommand(text string) (botCommand, bool) {
	if !strings.HasPrefix(text, "/") {
		return botCommand{}, false
	}
	fields := strings.Fields(text)
	head := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(head, "@"); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return botCommand{}, false
	}
	return botCommand{name: strings.ToLower(head), args: fields[1:]}, true
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// emojiName maps the raw reaction emoji to the name set the router
// classifies.
func emojiName(emoji string) (string, bool) {
	switch emoji {
	case "\U0001F44D": // thumbs up
		return "thumbsup", true
	case "\U0001F44E": // thumbs down
		return "thumbsdown", true
	case "⭐": // star
		return "star", true
	case "\U0001F31F": // glowing star
		return "glowing_star", true
	case "\U0001F440": // eyes
		return "eyes", true
	case "\U0001F6D1", "\U0001F6D1️": // stop sign, with and without variation selector
		return "stop_sign", true
	case "\U0001F6AB": // prohibited
		return "octagonal_sign", true
	}
	return "", false
}
