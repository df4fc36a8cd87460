package store

import (
	"fmt"
	"log/slog"
	"time"
)

// CleanupStaleData removes closed pending rows older than hotHours, cached
// messages older than expiredDays, and runs older than runRetentionDays.
// Idempotent; runs hourly from the supervisor's maintenance loop.
func (s *Store) CleanupStaleData(hotHours, expiredDays, runRetentionDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		DELETE FROM pending_messages
		WHERE status IN (?, ?) AND received_at < ?`,
		PendingStatusDone, PendingStatusFailed,
		now.Add(-time.Duration(hotHours)*time.Hour).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cleanup pending: %w", err)
	}
	pendingRemoved, _ := res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM messages WHERE ts < ?`,
		now.AddDate(0, 0, -expiredDays).UnixMilli())
	if err != nil {
		return fmt.Errorf("cleanup messages: %w", err)
	}
	messagesRemoved, _ := res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM relay_runs WHERE started_at < ?`,
		now.AddDate(0, 0, -runRetentionDays).UnixMilli())
	if err != nil {
		return fmt.Errorf("cleanup runs: %w", err)
	}
	runsRemoved, _ := res.RowsAffected()

	_, err = tx.Exec(`DELETE FROM threads WHERE last_activity_at < ?`,
		now.AddDate(0, 0, -expiredDays).UnixMilli())
	if err != nil {
		return fmt.Errorf("cleanup threads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if pendingRemoved+messagesRemoved+runsRemoved > 0 {
		slog.Info("stale data cleaned up",
			"pending", pendingRemoved,
			"messages", messagesRemoved,
			"runs", runsRemoved,
		)
	}
	return nil
}
