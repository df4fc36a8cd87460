package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Relay run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RelayRun is one agent execution. Written at start, updated at completion.
// Source of truth for daily per-project budget accounting.
type RelayRun struct {
	ID             string
	Platform       string
	ChannelID      string
	ConversationID string
	Project        string
	UserID         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         string
	CostUSD        float64
	InputTokens    int
	OutputTokens   int
	DurationMs     int64
	Model          string
}

// RunPatch is a partial update for a relay run. Nil fields are untouched.
type RunPatch struct {
	CompletedAt  *time.Time
	Status       *string
	CostUSD      *float64
	InputTokens  *int
	OutputTokens *int
	DurationMs   *int64
	Model        *string
}

// RunStats aggregates run accounting for status reporting and budgets.
type RunStats struct {
	TotalRuns     int
	CompletedRuns int
	FailedRuns    int
	TotalCostUSD  float64
	TotalInputTok int64
	TotalOutput   int64
}

// RecordRelayRun inserts a running run row.
func (s *Store) RecordRelayRun(r RelayRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = RunStatusRunning
	}
	model := sql.NullString{String: r.Model, Valid: r.Model != ""}
	_, err := s.db.Exec(`
		INSERT INTO relay_runs (id, platform, channel_id, conversation_id, project, user_id, started_at, status, cost_usd, input_tokens, output_tokens, duration_ms, model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Platform, r.ChannelID, r.ConversationID, r.Project, r.UserID,
		r.StartedAt.UnixMilli(), r.Status, r.CostUSD, r.InputTokens, r.OutputTokens,
		r.DurationMs, model,
	)
	if err != nil {
		return fmt.Errorf("record relay run: %w", err)
	}
	return nil
}

// UpdateRelayRun applies a partial update to a run row. An empty patch is a
// no-op, not an error.
func (s *Store) UpdateRelayRun(id string, patch RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sets []string
		args []any
	)
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, patch.CompletedAt.UnixMilli())
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.CostUSD != nil {
		sets = append(sets, "cost_usd = ?")
		args = append(args, *patch.CostUSD)
	}
	if patch.InputTokens != nil {
		sets = append(sets, "input_tokens = ?")
		args = append(args, *patch.InputTokens)
	}
	if patch.OutputTokens != nil {
		sets = append(sets, "output_tokens = ?")
		args = append(args, *patch.OutputTokens)
	}
	if patch.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *patch.DurationMs)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	_, err := s.db.Exec(
		"UPDATE relay_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...,
	)
	if err != nil {
		return fmt.Errorf("update relay run: %w", err)
	}
	return nil
}

// GetRelayRun fetches one run row, or nil when absent.
func (s *Store) GetRelayRun(id string) (*RelayRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, platform, channel_id, conversation_id, project, user_id,
		       started_at, completed_at, status, cost_usd, input_tokens, output_tokens, duration_ms, model
		FROM relay_runs WHERE id = ?`, id)

	var (
		r           RelayRun
		startedAt   int64
		completedAt sql.NullInt64
		model       sql.NullString
	)
	err := row.Scan(&r.ID, &r.Platform, &r.ChannelID, &r.ConversationID, &r.Project, &r.UserID,
		&startedAt, &completedAt, &r.Status, &r.CostUSD, &r.InputTokens, &r.OutputTokens,
		&r.DurationMs, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relay run: %w", err)
	}
	r.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		r.CompletedAt = &t
	}
	r.Model = model.String
	return &r, nil
}

// GetRunStats aggregates runs for a project over the past N days. Empty
// project means all projects; days <= 0 means all time.
func (s *Store) GetRunStats(project string, days int) (RunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0)
		FROM relay_runs WHERE 1=1`
	args := []any{RunStatusCompleted, RunStatusFailed}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	if days > 0 {
		query += " AND started_at >= ?"
		args = append(args, time.Now().AddDate(0, 0, -days).UnixMilli())
	}

	var stats RunStats
	err := s.db.QueryRow(query, args...).Scan(
		&stats.TotalRuns, &stats.CompletedRuns, &stats.FailedRuns,
		&stats.TotalCostUSD, &stats.TotalInputTok, &stats.TotalOutput,
	)
	if err != nil {
		return RunStats{}, fmt.Errorf("run stats: %w", err)
	}
	return stats, nil
}

// GetDailySpend sums cost for the project over the past 24 hours.
func (s *Store) GetDailySpend(project string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var spend float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM relay_runs
		WHERE project = ? AND started_at >= ?`,
		project, time.Now().Add(-24*time.Hour).UnixMilli(),
	).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("daily spend: %w", err)
	}
	return spend, nil
}

// ListActiveProjects returns distinct projects with runs in the past N days.
// Backs the hourly budget-alert sweep.
func (s *Store) ListActiveProjects(days int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT project FROM relay_runs WHERE started_at >= ? ORDER BY project`,
		time.Now().AddDate(0, 0, -days).UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
