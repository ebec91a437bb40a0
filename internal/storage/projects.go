package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateProject inserts a new project, generating its id.
func (s *Store) CreateProject(p Project) (Project, error) {
	p.ID = uuid.NewString()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, channel_id, agent_id, local_path, default_model,
			default_max_budget, deploy_platform_id, auto_commit_push, rate_limit_override,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.ChannelID, p.AgentID, p.LocalPath, p.DefaultModel,
		p.DefaultMaxBudget, nullString(p.DeployPlatformID), p.AutoCommitPush, nullIntPtr(p.RateLimitOverride),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return Project{}, fmt.Errorf("storage: create project: %w", err)
	}
	return p, nil
}

// GetProjectByChannel looks up the project bound to a chat channel.
func (s *Store) GetProjectByChannel(channelID string) (Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, channel_id, agent_id, local_path, default_model, default_max_budget,
			deploy_platform_id, auto_commit_push, rate_limit_override, created_at, updated_at
		FROM projects WHERE channel_id = ?`, channelID)
	return scanProject(row)
}

// GetProject looks up a project by id.
func (s *Store) GetProject(id string) (Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, channel_id, agent_id, local_path, default_model, default_max_budget,
			deploy_platform_id, auto_commit_push, rate_limit_override, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	var deployPlatformID sql.NullString
	var rateLimitOverride sql.NullInt64

	err := row.Scan(&p.ID, &p.Name, &p.ChannelID, &p.AgentID, &p.LocalPath, &p.DefaultModel,
		&p.DefaultMaxBudget, &deployPlatformID, &p.AutoCommitPush, &rateLimitOverride,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("storage: scan project: %w", err)
	}
	p.DeployPlatformID = deployPlatformID.String
	if rateLimitOverride.Valid {
		v := int(rateLimitOverride.Int64)
		p.RateLimitOverride = &v
	}
	return p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
