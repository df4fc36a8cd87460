// Package channels provides the platform abstraction layer: adapters
// translate Slack and Telegram events into the normalized bus types and
// deliver relay responses back out. The rest of the relay never sees a
// vendor payload.
package channels

import (
	"context"
	"time"

	"github.com/pilotlynx/pilotlynx/internal/bus"
)

// Capabilities describes what a platform can do, so the router and poster
// can adapt without type-switching on adapters.
type Capabilities struct {
	NativeStreaming       bool
	MaxStreamUpdateHz     float64
	SupportsReactions     bool
	SupportsSlashCommands bool
	SupportsThreads       bool
	MaxMessageLength      int
}

// StreamHandle is a live streaming message. Append updates the message with
// accumulated text; Stop finalizes it. Both are safe to call on platforms
// without native streaming, where the handle is a no-op.
type StreamHandle interface {
	Append(ctx context.Context, text string) error
	Stop(ctx context.Context) error
}

// Adapter is the contract every platform implementation satisfies.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// Start begins consuming platform events. Non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// SendMessage posts text into the conversation and returns the new
	// message's platform ID.
	SendMessage(ctx context.Context, channelID, conversationID, text string) (string, error)
	UpdateMessage(ctx context.Context, channelID, messageID, text string) error

	// StartStream opens a streaming message in the conversation. Platforms
	// without native streaming return a no-op handle.
	StartStream(ctx context.Context, channelID, conversationID string) (StreamHandle, error)

	UploadFile(ctx context.Context, channelID, conversationID, filename string, data []byte) error

	// GetThreadHistory fetches messages in the conversation newer than
	// afterTs. Platforms without threads return nil.
	GetThreadHistory(ctx context.Context, channelID, conversationID string, afterTs time.Time) ([]bus.ChatMessage, error)

	// Callback setters, wired by the supervisor before Start.
	SetOnMessage(bus.MessageHandler)
	SetOnReaction(bus.ReactionHandler)
	SetOnCommand(bus.CommandHandler)
}

// NopStream is the inert StreamHandle for platforms or modes that do not
// stream.
type NopStream struct{}

func (NopStream) Append(context.Context, string) error { return nil }
func (NopStream) Stop(context.Context) error           { return nil }

// Truncate shortens a string to maxLen, appending an ellipsis when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
