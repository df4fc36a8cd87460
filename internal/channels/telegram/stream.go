package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// stream is the edit-mode preview: one message edited in place, no faster
// than the configured interval (floor 12s, Telegram throttles edits hard).
// The final sanitized response is posted separately, so Stop deletes the
// preview.
type stream struct {
	adapter        *Adapter
	channelID      string
	conversationID string
	interval       time.Duration

	mu       sync.Mutex
	buf      strings.Builder
	msgID    string
	lastEdit time.Time
}

func newStream(a *Adapter, channelID, conversationID string, interval time.Duration) *stream {
	return &stream{
		adapter:        a,
		channelID:      channelID,
		conversationID: conversationID,
		interval:       interval,
	}
}

func (s *stream) Append(ctx context.Context, text string) error {
	s.mu.Lock()
	s.buf.WriteString(text)
	preview := s.preview()
	msgID := s.msgID
	if msgID != "" && time.Since(s.lastEdit) < s.interval {
		s.mu.Unlock()
		return nil
	}
	s.lastEdit = time.Now()
	s.mu.Unlock()

	if msgID == "" {
		id, err := s.adapter.SendMessage(ctx, s.channelID, s.conversationID, preview)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.msgID = id
		s.mu.Unlock()
		return nil
	}
	return s.adapter.UpdateMessage(ctx, s.channelID, msgID, preview)
}

func (s *stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	msgID := s.msgID
	s.msgID = ""
	s.mu.Unlock()

	if msgID == "" {
		return nil
	}
	if err := s.adapter.deleteMessage(ctx, s.channelID, msgID); err != nil {
		slog.Debug("failed to delete stream preview", "error", err)
	}
	return nil
}

func (s *stream) preview() string {
	text := s.buf.String()
	if len(text) > maxMessageLen-20 {
		text = text[:maxMessageLen-20]
	}
	return text + " …"
}

func (a *Adapter) deleteMessage(ctx context.Context, channelID, messageID string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return err
	}
	return a.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
	})
}
