package store

import (
	"fmt"
	"time"
)

// Pending message statuses.
const (
	PendingStatusPending    = "pending"
	PendingStatusProcessing = "processing"
	PendingStatusDone       = "done"
	PendingStatusFailed     = "failed"
)

// PendingMessage is a write-ahead-log row for an accepted but not yet
// completed inbound message. Rows left pending or processing at startup are
// recovery targets, not failures.
type PendingMessage struct {
	ID             string
	Platform       string
	ChannelID      string
	ConversationID string
	MessageID      string
	UserID         string
	Text           string
	ReceivedAt     time.Time
	Status         string
}

// WritePendingMessage inserts a fresh WAL row.
func (s *Store) WritePendingMessage(p PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO pending_messages (id, platform, channel_id, conversation_id, message_id, user_id, text, received_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Platform, p.ChannelID, p.ConversationID, p.MessageID, p.UserID, p.Text,
		p.ReceivedAt.UnixMilli(), p.Status,
	)
	if err != nil {
		return fmt.Errorf("write pending message: %w", err)
	}
	return nil
}

// MarkPendingProcessing transitions a WAL row to processing.
func (s *Store) MarkPendingProcessing(id string) error {
	return s.setPendingStatus(id, PendingStatusProcessing, false)
}

// MarkPendingDone closes a WAL row as done.
func (s *Store) MarkPendingDone(id string) error {
	return s.setPendingStatus(id, PendingStatusDone, true)
}

// MarkPendingFailed closes a WAL row as failed.
func (s *Store) MarkPendingFailed(id string) error {
	return s.setPendingStatus(id, PendingStatusFailed, true)
}

func (s *Store) setPendingStatus(id, status string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if terminal {
		_, err = s.db.Exec(
			`UPDATE pending_messages SET status = ?, completed_at = ? WHERE id = ?`,
			status, time.Now().UnixMilli(), id,
		)
	} else {
		_, err = s.db.Exec(`UPDATE pending_messages SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set pending status %s: %w", status, err)
	}
	return nil
}

// GetPendingMessages returns open rows (pending or processing) no older
// than maxAge, most recent last. Used by startup recovery.
func (s *Store) GetPendingMessages(maxAge time.Duration) ([]PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	rows, err := s.db.Query(`
		SELECT id, platform, channel_id, conversation_id, message_id, user_id, text, received_at, status
		FROM pending_messages
		WHERE status IN (?, ?) AND received_at >= ?
		ORDER BY received_at ASC`,
		PendingStatusPending, PendingStatusProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending messages: %w", err)
	}
	defer rows.Close()

	var pending []PendingMessage
	for rows.Next() {
		var (
			p          PendingMessage
			receivedAt int64
		)
		if err := rows.Scan(&p.ID, &p.Platform, &p.ChannelID, &p.ConversationID,
			&p.MessageID, &p.UserID, &p.Text, &receivedAt, &p.Status); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		p.ReceivedAt = time.UnixMilli(receivedAt)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// CloseStalePending closes every open row older than maxAge as failed.
// Startup recovery calls this after surfacing the recoverable rows.
func (s *Store) CloseStalePending(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec(`
		UPDATE pending_messages SET status = ?, completed_at = ?
		WHERE status IN (?, ?) AND received_at < ?`,
		PendingStatusFailed, time.Now().UnixMilli(),
		PendingStatusPending, PendingStatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("close stale pending: %w", err)
	}
	return res.RowsAffected()
}
