package slack

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// editInterval debounces streaming edits. Slack tolerates roughly 3 edits
// per second per channel before throttling.
const editInterval = 300 * time.Millisecond

// stream is a live preview message edited in place as agent text arrives.
// The preview shows raw streamed text; the caller posts the final sanitized
// response separately, so Stop removes the preview.
type stream struct {
	adapter        *Adapter
	channelID      string
	conversationID string
	limiter        *rate.Limiter

	mu    sync.Mutex
	buf   strings.Builder
	msgTs string
	dirty bool
}

func newStream(a *Adapter, channelID, conversationID string) *stream {
	return &stream{
		adapter:        a,
		channelID:      channelID,
		conversationID: conversationID,
		limiter:        rate.NewLimiter(rate.Every(editInterval), 1),
	}
}

// Append accumulates text and edits the preview when the debounce window
// allows.
func (s *stream) Append(ctx context.Context, text string) error {
	s.mu.Lock()
	s.buf.WriteString(text)
	preview := s.preview()
	msgTs := s.msgTs
	allowed := s.limiter.Allow()
	if !allowed {
		s.dirty = true
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()

	if msgTs == "" {
		ts, err := s.adapter.SendMessage(ctx, s.channelID, s.conversationID, preview)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.msgTs = ts
		s.mu.Unlock()
		return nil
	}
	return s.adapter.UpdateMessage(ctx, s.channelID, msgTs, preview)
}

// Stop deletes the preview message; the finalized response is posted by the
// caller.
func (s *stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	msgTs := s.msgTs
	s.msgTs = ""
	s.mu.Unlock()

	if msgTs == "" {
		return nil
	}
	if _, _, err := s.adapter.api.DeleteMessageContext(ctx, s.channelID, msgTs); err != nil {
		slog.Debug("failed to delete stream preview", "error", err)
	}
	return nil
}

// preview caps the in-flight text to the platform limit. Callers hold mu.
func (s *stream) preview() string {
	text := s.buf.String()
	if len(text) > maxMessageLen-20 {
		text = text[:maxMessageLen-20]
	}
	return text + " …"
}
