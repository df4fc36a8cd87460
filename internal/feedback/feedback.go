// Package feedback classifies emoji reactions on agent responses and
// persists them: every classified reaction goes to an append-only JSONL
// log, and save-type reactions also land in the project's durable memory.
package feedback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Feedback types.
const (
	TypePositive    = "positive"
	TypeNegative    = "negative"
	TypeSave        = "save"
	TypeAcknowledge = "acknowledge"
)

// Entry is one logged feedback event.
type Entry struct {
	Type               string `json:"type"`
	Platform           string `json:"platform"`
	ChannelID          string `json:"channelId"`
	MessageID          string `json:"messageId"`
	UserID             string `json:"userId"`
	Project            string `json:"project"`
	Timestamp          string `json:"timestamp"`
	AgentOutputSummary string `json:"agentOutputSummary,omitempty"`
}

// Classify maps an emoji name to a feedback type. Names arrive with or
// without surrounding colons depending on platform; both are accepted.
// Unknown emojis return ("", false).
func Classify(emoji string) (string, bool) {
	switch strings.Trim(emoji, ":") {
	case "thumbsup", "+1":
		return TypePositive, true
	case "thumbsdown", "-1":
		return TypeNegative, true
	case "star", "glowing_star":
		return TypeSave, true
	case "eyes":
		return TypeAcknowledge, true
	}
	return "", false
}

// Log persists feedback under the config root.
type Log struct {
	root string
}

// NewLog creates a feedback log rooted at the config root.
func NewLog(root string) *Log {
	return &Log{root: root}
}

// Record appends the entry to the feedback JSONL log. Save-type entries are
// additionally appended to the project's memory file.
func (l *Log) Record(entry Entry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if err := l.appendJSONL(entry); err != nil {
		return err
	}
	if entry.Type == TypeSave && entry.Project != "" {
		return l.appendMemory(entry)
	}
	return nil
}

func (l *Log) appendJSONL(entry Entry) error {
	dir := filepath.Join(l.root, "feedback")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create feedback dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "feedback.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal feedback entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append feedback entry: %w", err)
	}
	return nil
}

// appendMemory records a saved response in the project's memory file so
// future runs can recall it.
func (l *Log) appendMemory(entry Entry) error {
	dir := filepath.Join(l.root, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, entry.Project+".md"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open project memory: %w", err)
	}
	defer f.Close()

	summary := entry.AgentOutputSummary
	if summary == "" {
		summary = "(no summary captured)"
	}
	_, err = fmt.Fprintf(f, "\n## Saved %s\n\n%s\n", entry.Timestamp, summary)
	if err != nil {
		return fmt.Errorf("append project memory: %w", err)
	}
	return nil
}
