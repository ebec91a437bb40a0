package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateSession records a new agent invocation, resumable by id until it
// expires.
func (s *Store) CreateSession(sess Session) (Session, error) {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActivityAt = now
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, task_id, agent_id, model, input_tokens, output_tokens,
			estimated_cost, duration_ms, status, created_at, completed_at, expires_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TaskID, sess.AgentID, sess.Model, sess.InputTokens, sess.OutputTokens,
		sess.EstimatedCost, sess.DurationMs, sess.Status, sess.CreatedAt, nil, sess.ExpiresAt, sess.LastActivityAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return sess, nil
}

// UpsertSession records a session the agent reported for a task, creating
// it on first sight and accumulating usage onto it when a continuation or
// resubmit reuses the same session id.
func (s *Store) UpsertSession(sess Session) error {
	now := time.Now().UTC()
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(24 * time.Hour)
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, task_id, agent_id, model, input_tokens, output_tokens,
			estimated_cost, duration_ms, status, created_at, completed_at, expires_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			estimated_cost = estimated_cost + excluded.estimated_cost,
			duration_ms = duration_ms + excluded.duration_ms,
			last_activity_at = excluded.last_activity_at`,
		sess.ID, sess.TaskID, sess.AgentID, sess.Model, sess.InputTokens, sess.OutputTokens,
		sess.EstimatedCost, sess.DurationMs, sess.Status, now, sess.ExpiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert session: %w", err)
	}
	return nil
}

// GetSession looks up a session by id, used to validate a resume request.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, agent_id, model, input_tokens, output_tokens, estimated_cost,
			duration_ms, status, created_at, completed_at, expires_at, last_activity_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.TaskID, &sess.AgentID, &sess.Model, &sess.InputTokens, &sess.OutputTokens,
		&sess.EstimatedCost, &sess.DurationMs, &sess.Status, &sess.CreatedAt, &completedAt, &sess.ExpiresAt, &sess.LastActivityAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("storage: scan session: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}

// TouchSession bumps last_activity_at, called on every progress/stream
// event so the sweep below doesn't expire a session still in active use.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: touch session: %w", err)
	}
	return nil
}

// CompleteSession closes out a session with its final usage totals.
func (s *Store) CompleteSession(id string, inputTokens, outputTokens int64, cost float64, durationMs int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE sessions SET status = ?, input_tokens = ?, output_tokens = ?, estimated_cost = ?,
			duration_ms = ?, completed_at = ?, last_activity_at = ?
		WHERE id = ?`,
		SessionStatusCompleted, inputTokens, outputTokens, cost, durationMs, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete session: %w", err)
	}
	return nil
}

// SweepExpiredSessions marks sessions past expires_at as expired so they can
// no longer be resumed, returning how many were swept.
func (s *Store) SweepExpiredSessions() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ? WHERE status = ? AND expires_at <= ?`,
		SessionStatusExpired, SessionStatusActive, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: read rows affected: %w", err)
	}
	return n, nil
}
