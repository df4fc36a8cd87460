package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Binding maps a (platform, channel) pair to a project.
type Binding struct {
	Platform  string
	ChannelID string
	Project   string
	BoundBy   string
	BoundAt   time.Time
}

// SaveBinding upserts the binding for (platform, channelID). Reassigning a
// channel overwrites the previous project.
func (s *Store) SaveBinding(b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.BoundAt.IsZero() {
		b.BoundAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO bindings (platform, channel_id, project, bound_by, bound_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, channel_id) DO UPDATE SET
			project = excluded.project,
			bound_by = excluded.bound_by,
			bound_at = excluded.bound_at`,
		b.Platform, b.ChannelID, b.Project, b.BoundBy, b.BoundAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save binding: %w", err)
	}
	return nil
}

// LookupBinding returns the binding for the channel, or nil when unbound.
func (s *Store) LookupBinding(platform, channelID string) (*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT platform, channel_id, project, bound_by, bound_at
		FROM bindings WHERE platform = ? AND channel_id = ?`,
		platform, channelID,
	)
	b, err := scanBinding(row)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RemoveBinding deletes the binding for the channel. Returns false when no
// row existed; removing an absent binding is not an error.
func (s *Store) RemoveBinding(platform, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM bindings WHERE platform = ? AND channel_id = ?`,
		platform, channelID,
	)
	if err != nil {
		return false, fmt.Errorf("remove binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetChannelForProject answers the inverse lookup: which channel should the
// relay post to for this project on the given platform? When several
// channels are bound, the most recently bound wins.
func (s *Store) GetChannelForProject(platform, project string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var channelID string
	err := s.db.QueryRow(`
		SELECT channel_id FROM bindings
		WHERE platform = ? AND project = ?
		ORDER BY bound_at DESC LIMIT 1`,
		platform, project,
	).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("channel for project: %w", err)
	}
	return channelID, nil
}

// ListBindings returns all bindings ordered by platform then channel.
func (s *Store) ListBindings() ([]Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT platform, channel_id, project, bound_by, bound_at
		FROM bindings ORDER BY platform, channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var (
			b       Binding
			boundAt int64
		)
		if err := rows.Scan(&b.Platform, &b.ChannelID, &b.Project, &b.BoundBy, &boundAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.BoundAt = time.UnixMilli(boundAt)
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*Binding, error) {
	var (
		b       Binding
		boundAt int64
	)
	err := row.Scan(&b.Platform, &b.ChannelID, &b.Project, &b.BoundBy, &boundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	b.BoundAt = time.UnixMilli(boundAt)
	return &b, nil
}
