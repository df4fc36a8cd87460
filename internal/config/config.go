// Package config loads and validates the relay configuration files:
// relay.yaml (service config), webhook.yaml (outbound webhook endpoints),
// and the .env secrets file under the config root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Slack delivery modes.
const (
	SlackModeSocket = "socket"
	SlackModeHTTP   = "http"
)

// Telegram stream modes.
const (
	StreamModeEdit      = "edit"
	StreamModeChunked   = "chunked"
	StreamModeFinalOnly = "final-only"
)

// minEditIntervalMs is the floor for Telegram edit throttling. Telegram
// rate-limits message edits aggressively; anything faster gets 429s.
const minEditIntervalMs = 12000

// RelayConfig is the root schema of relay.yaml. Immutable after Load.
type RelayConfig struct {
	Version       int                 `yaml:"version"`
	Platforms     PlatformsConfig     `yaml:"platforms"`
	Agent         AgentConfig         `yaml:"agent"`
	Context       ContextConfig       `yaml:"context"`
	Limits        LimitsConfig        `yaml:"limits"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Admins        AdminsConfig        `yaml:"admins"`
}

// PlatformsConfig enables and tunes the chat platform adapters.
type PlatformsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // "socket" (default) or "http"
	Port    int    `yaml:"port"` // events listener port in http mode
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled        bool   `yaml:"enabled"`
	StreamMode     string `yaml:"stream_mode"` // "edit", "chunked", "final-only"
	EditIntervalMs int    `yaml:"edit_interval_ms"`
}

// AgentConfig bounds agent executions.
type AgentConfig struct {
	Runtime              string `yaml:"runtime"` // agent runtime binary (default "pilotlynx-agent")
	MaxConcurrent        int    `yaml:"max_concurrent"`
	DefaultTimeoutMs     int    `yaml:"default_timeout_ms"`
	MaxMemoryMB          int    `yaml:"max_memory_mb"`
	RequireKernelSandbox bool   `yaml:"require_kernel_sandbox"`
	NetworkIsolation     bool   `yaml:"network_isolation"`
	MaxTurns             int    `yaml:"max_turns"`
}

// ContextConfig bounds prompt assembly.
type ContextConfig struct {
	TokenBudget          int `yaml:"token_budget"`
	MaxMessagesPerThread int `yaml:"max_messages_per_thread"`
	MaxCharsPerMessage   int `yaml:"max_chars_per_message"`
	StaleThreadDays      int `yaml:"stale_thread_days"`
}

// LimitsConfig holds admission gates.
type LimitsConfig struct {
	UserRatePerHour       int     `yaml:"user_rate_per_hour"`
	ReactionRatePerHour   int     `yaml:"reaction_rate_per_hour"`
	ProjectQueueDepth     int     `yaml:"project_queue_depth"`
	DailyBudgetPerProject float64 `yaml:"daily_budget_per_project"` // USD; 0 = unlimited
	GlobalConcurrency     int     `yaml:"global_concurrency"`
}

// NotificationsConfig switches proactive notifications on or off.
type NotificationsConfig struct {
	ScheduleFailures     bool    `yaml:"schedule_failures"`
	ImproveInsights      bool    `yaml:"improve_insights"`
	BudgetAlerts         bool    `yaml:"budget_alerts"`
	HealthScoreThreshold float64 `yaml:"health_score_threshold"`
}

// RecoveryConfig tunes pending-message crash recovery.
type RecoveryConfig struct {
	// PendingTTLMinutes is the recoverable window for pending WAL rows.
	// Clamped to at most 10 minutes.
	PendingTTLMinutes int `yaml:"pending_ttl_minutes"`
}

// AdminsConfig lists platform user IDs allowed to run admin commands.
type AdminsConfig struct {
	Slack    []string `yaml:"slack"`
	Telegram []string `yaml:"telegram"`
}

// IsAdmin reports whether userID is an admin on the given platform.
func (a AdminsConfig) IsAdmin(platform, userID string) bool {
	var list []string
	switch platform {
	case "slack":
		list = a.Slack
	case "telegram":
		list = a.Telegram
	}
	for _, id := range list {
		if id == userID {
			return true
		}
	}
	return false
}

// applyDefaults fills zero values with operational defaults.
func (c *RelayConfig) applyDefaults() {
	if c.Platforms.Slack.Mode == "" {
		c.Platforms.Slack.Mode = SlackModeSocket
	}
	if c.Platforms.Slack.Port == 0 {
		c.Platforms.Slack.Port = 3000
	}
	if c.Platforms.Telegram.StreamMode == "" {
		c.Platforms.Telegram.StreamMode = StreamModeEdit
	}
	if c.Platforms.Telegram.EditIntervalMs < minEditIntervalMs {
		c.Platforms.Telegram.EditIntervalMs = minEditIntervalMs
	}
	if c.Agent.Runtime == "" {
		c.Agent.Runtime = "pilotlynx-agent"
	}
	if c.Agent.MaxConcurrent <= 0 {
		c.Agent.MaxConcurrent = 3
	}
	if c.Agent.DefaultTimeoutMs <= 0 {
		c.Agent.DefaultTimeoutMs = 600_000
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 30
	}
	if c.Context.TokenBudget <= 0 {
		c.Context.TokenBudget = 8000
	}
	if c.Context.MaxMessagesPerThread <= 0 {
		c.Context.MaxMessagesPerThread = 50
	}
	if c.Context.MaxCharsPerMessage <= 0 {
		c.Context.MaxCharsPerMessage = 2000
	}
	if c.Context.StaleThreadDays <= 0 {
		c.Context.StaleThreadDays = 7
	}
	if c.Limits.UserRatePerHour <= 0 {
		c.Limits.UserRatePerHour = 30
	}
	if c.Limits.ReactionRatePerHour <= 0 {
		c.Limits.ReactionRatePerHour = 60
	}
	if c.Limits.ProjectQueueDepth <= 0 {
		c.Limits.ProjectQueueDepth = 10
	}
	if c.Limits.GlobalConcurrency > 0 && c.Limits.GlobalConcurrency < c.Agent.MaxConcurrent {
		c.Agent.MaxConcurrent = c.Limits.GlobalConcurrency
	}
	if c.Notifications.HealthScoreThreshold <= 0 {
		c.Notifications.HealthScoreThreshold = 70
	}
	if c.Recovery.PendingTTLMinutes <= 0 || c.Recovery.PendingTTLMinutes > 10 {
		c.Recovery.PendingTTLMinutes = 10
	}
}

// Validate rejects malformed configs. Called by Load.
func (c *RelayConfig) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported relay.yaml version %d (want 1)", c.Version)
	}
	switch c.Platforms.Slack.Mode {
	case SlackModeSocket, SlackModeHTTP:
	default:
		return fmt.Errorf("invalid slack mode %q", c.Platforms.Slack.Mode)
	}
	switch c.Platforms.Telegram.StreamMode {
	case StreamModeEdit, StreamModeChunked, StreamModeFinalOnly:
	default:
		return fmt.Errorf("invalid telegram stream_mode %q", c.Platforms.Telegram.StreamMode)
	}
	if !c.Platforms.Slack.Enabled && !c.Platforms.Telegram.Enabled {
		return fmt.Errorf("no platform enabled in relay.yaml")
	}
	return nil
}

// ResolveRoot returns the config root directory. PILOTLYNX_ROOT overrides
// (primarily for tests); the default is ~/.pilotlynx.
func ResolveRoot() string {
	if root := os.Getenv("PILOTLYNX_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pilotlynx"
	}
	return filepath.Join(home, ".pilotlynx")
}
