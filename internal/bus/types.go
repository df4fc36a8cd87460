// Package bus holds the normalized message types exchanged between platform
// adapters, the router, and the agent runtime. Adapters translate vendor
// payloads into these types; nothing outside internal/channels sees a vendor
// format.
package bus

import "time"

// ChatMessage is a platform-normalized inbound message.
// ConversationID is the thread root where the platform supports threads,
// otherwise the message ID itself.
type ChatMessage struct {
	Platform       string    `json:"platform"`
	ChannelID      string    `json:"channel_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	IsBot          bool      `json:"is_bot,omitempty"`
}

// Reaction is a normalized emoji reaction event.
type Reaction struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// Command is a normalized slash-command invocation.
type Command struct {
	Platform  string   `json:"platform"`
	ChannelID string   `json:"channel_id"`
	UserID    string   `json:"user_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

// RunResult is the outcome of one sandboxed agent execution.
type RunResult struct {
	Success      bool    `json:"success"`
	Text         string  `json:"text"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	DurationMs   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	Model        string  `json:"model,omitempty"`
	GitDiffStat  string  `json:"git_diff_stat,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// MessageHandler consumes an inbound chat message.
type MessageHandler func(ChatMessage)

// ReactionHandler consumes an inbound reaction event.
type ReactionHandler func(Reaction)

// CommandHandler consumes an inbound slash command.
type CommandHandler func(Command)
