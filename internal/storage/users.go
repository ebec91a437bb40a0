package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateUser returns the user for chatUserID, creating one with the
// default member role if it doesn't yet exist.
func (s *Store) GetOrCreateUser(chatUserID string) (User, error) {
	u, err := s.GetUserByChatID(chatUserID)
	if err == nil {
		return u, nil
	}
	if err != ErrNotFound {
		return User{}, err
	}

	now := time.Now().UTC()
	u = User{
		ID:         uuid.NewString(),
		ChatUserID: chatUserID,
		Role:       "member",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.Exec(`
		INSERT INTO users (id, chat_user_id, role, rate_limit_override, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.ChatUserID, u.Role, nullIntPtr(u.RateLimitOverride), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByChatID looks up a user by their chat-workspace identity.
func (s *Store) GetUserByChatID(chatUserID string) (User, error) {
	row := s.db.QueryRow(`
		SELECT id, chat_user_id, role, rate_limit_override, created_at, updated_at
		FROM users WHERE chat_user_id = ?`, chatUserID)

	var u User
	var rateLimitOverride sql.NullInt64
	err := row.Scan(&u.ID, &u.ChatUserID, &u.Role, &rateLimitOverride, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("storage: scan user: %w", err)
	}
	if rateLimitOverride.Valid {
		v := int(rateLimitOverride.Int64)
		u.RateLimitOverride = &v
	}
	return u, nil
}
