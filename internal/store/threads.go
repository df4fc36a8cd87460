package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConversationThread is the summary row answering staleness queries without
// scanning messages.
type ConversationThread struct {
	ConversationID string
	LastActivityAt time.Time
	MessageCount   int
	Summary        string
}

// GetThread returns the thread summary, or nil when unknown.
func (s *Store) GetThread(conversationID string) (*ConversationThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT conversation_id, last_activity_at, message_count, summary
		FROM threads WHERE conversation_id = ?`, conversationID)

	var (
		t            ConversationThread
		lastActivity int64
		summary      sql.NullString
	)
	err := row.Scan(&t.ConversationID, &lastActivity, &t.MessageCount, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	t.LastActivityAt = time.UnixMilli(lastActivity)
	t.Summary = summary.String
	return &t, nil
}

// SetThreadSummary stores a summary for the conversation.
func (s *Store) SetThreadSummary(conversationID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO threads (conversation_id, last_activity_at, message_count, summary)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET summary = excluded.summary`,
		conversationID, time.Now().UnixMilli(), summary,
	)
	if err != nil {
		return fmt.Errorf("set thread summary: %w", err)
	}
	return nil
}
