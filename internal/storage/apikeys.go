package storage

import (
	"database/sql"
	"fmt"
	"time"

	"taskbroker/pkg/security"
)

// IssueAPIKey mints a fresh credential for agentID, overwriting any
// existing one, and returns the plaintext to hand to the agent operator
// exactly once; only the hash is retained.
func (s *Store) IssueAPIKey(agentID string) (plaintext string, err error) {
	plaintext, hashed, err := security.NewAPIKey()
	if err != nil {
		return "", fmt.Errorf("storage: generate api key: %w", err)
	}
	salt, hash := security.EncodeHashedKey(hashed)

	_, err = s.db.Exec(`
		INSERT INTO api_keys (agent_id, salt, hash, created_at, revoked)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(agent_id) DO UPDATE SET salt = excluded.salt, hash = excluded.hash,
			created_at = excluded.created_at, revoked = 0`,
		agentID, salt, hash, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("storage: store api key: %w", err)
	}
	return plaintext, nil
}

// VerifyAPIKey checks plaintext against the stored, non-revoked credential
// for agentID.
func (s *Store) VerifyAPIKey(agentID, plaintext string) (bool, error) {
	row := s.db.QueryRow(`SELECT salt, hash, revoked FROM api_keys WHERE agent_id = ?`, agentID)

	var salt, hash string
	var revoked bool
	if err := row.Scan(&salt, &hash, &revoked); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("storage: read api key: %w", err)
	}
	if revoked {
		return false, nil
	}

	hashed, err := security.DecodeHashedKey(salt, hash)
	if err != nil {
		return false, fmt.Errorf("storage: decode api key: %w", err)
	}
	return security.Verify(plaintext, hashed)
}

// RevokeAPIKey disables an agent's credential without deleting its audit
// trail.
func (s *Store) RevokeAPIKey(agentID string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET revoked = 1 WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
