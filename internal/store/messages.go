package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pilotlynx/pilotlynx/internal/bus"
)

// CacheMessage upserts a message by message_id and touches the thread
// summary row in the same transaction.
func (s *Store) CacheMessage(msg bus.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE message_id = ?`, msg.MessageID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (message_id, platform, channel_id, conversation_id, user_id, user_name, text, ts, is_bot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			text = excluded.text,
			user_name = excluded.user_name,
			ts = excluded.ts`,
		msg.MessageID, msg.Platform, msg.ChannelID, msg.ConversationID,
		msg.UserID, msg.UserName, msg.Text, msg.Timestamp.UnixMilli(), boolToInt(msg.IsBot),
	)
	if err != nil {
		return fmt.Errorf("cache message: %w", err)
	}

	// Edits re-upsert under the same message_id; only genuine inserts may
	// grow the thread's message count.
	inserted := 0
	if existing == 0 {
		inserted = 1
	}
	_, err = tx.Exec(`
		INSERT INTO threads (conversation_id, last_activity_at, message_count)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at),
			message_count = message_count + excluded.message_count`,
		msg.ConversationID, msg.Timestamp.UnixMilli(), inserted,
	)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}

	return tx.Commit()
}

// CacheMessages upserts a batch inside a single transaction. Used by the
// context assembler's platform top-up.
func (s *Store) CacheMessages(msgs []bus.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (message_id, platform, channel_id, conversation_id, user_id, user_name, text, ts, is_bot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			text = excluded.text,
			user_name = excluded.user_name,
			ts = excluded.ts`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	check, err := tx.Prepare(`SELECT COUNT(*) FROM messages WHERE message_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare check: %w", err)
	}
	defer check.Close()

	var latest int64
	inserted := 0
	conversationID := msgs[0].ConversationID
	for _, msg := range msgs {
		var existing int
		if err := check.QueryRow(msg.MessageID).Scan(&existing); err != nil {
			return fmt.Errorf("check message %s: %w", msg.MessageID, err)
		}
		if existing == 0 {
			inserted++
		}
		if _, err := stmt.Exec(
			msg.MessageID, msg.Platform, msg.ChannelID, msg.ConversationID,
			msg.UserID, msg.UserName, msg.Text, msg.Timestamp.UnixMilli(), boolToInt(msg.IsBot),
		); err != nil {
			return fmt.Errorf("cache message %s: %w", msg.MessageID, err)
		}
		if ts := msg.Timestamp.UnixMilli(); ts > latest {
			latest = ts
		}
	}

	// Only the genuinely new rows count toward the thread summary.
	_, err = tx.Exec(`
		INSERT INTO threads (conversation_id, last_activity_at, message_count)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_activity_at = MAX(last_activity_at, excluded.last_activity_at),
			message_count = message_count + excluded.message_count`,
		conversationID, latest, inserted,
	)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}

	return tx.Commit()
}

// GetCachedMessages returns messages for the conversation in ascending
// timestamp order. A zero afterTs returns the full history.
func (s *Store) GetCachedMessages(conversationID string, afterTs time.Time) ([]bus.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT message_id, platform, channel_id, conversation_id, user_id, user_name, text, ts, is_bot
		FROM messages
		WHERE conversation_id = ? AND ts > ?
		ORDER BY ts ASC`,
		conversationID, afterTs.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("get cached messages: %w", err)
	}
	defer rows.Close()

	var msgs []bus.ChatMessage
	for rows.Next() {
		var (
			m     bus.ChatMessage
			ts    int64
			isBot int
		)
		if err := rows.Scan(&m.MessageID, &m.Platform, &m.ChannelID, &m.ConversationID,
			&m.UserID, &m.UserName, &m.Text, &ts, &isBot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.IsBot = isBot != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one cached message by platform message ID, or nil when
// unknown. Reactions arrive with only a message ID; this resolves the
// conversation they belong to.
func (s *Store) GetMessage(messageID string) (*bus.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT message_id, platform, channel_id, conversation_id, user_id, user_name, text, ts, is_bot
		FROM messages WHERE message_id = ?`, messageID)

	var (
		m     bus.ChatMessage
		ts    int64
		isBot int
	)
	err := row.Scan(&m.MessageID, &m.Platform, &m.ChannelID, &m.ConversationID,
		&m.UserID, &m.UserName, &m.Text, &ts, &isBot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.Timestamp = time.UnixMilli(ts)
	m.IsBot = isBot != 0
	return &m, nil
}

// PurgeConversation deletes cached messages and the thread summary for a
// conversation. Backs the "new" admin command.
func (s *Store) PurgeConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM threads WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("purge thread: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
