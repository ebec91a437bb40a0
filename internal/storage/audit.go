package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendAudit records an append-only audit entry for a state-changing
// action (task submit/cancel/resubmit, project config change, etc). The
// table is insert-only; there is no update or delete path.
func (s *Store) AppendAudit(action, resourceType, resourceID, userID, metadata string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (action, resource_type, resource_id, user_id, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		action, resourceType, resourceID, nullString(userID), nullString(metadata), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: append audit log: %w", err)
	}
	return nil
}

// ListAuditForResource returns the audit trail for a single resource,
// newest first.
func (s *Store) ListAuditForResource(resourceType, resourceID string, limit int) ([]AuditLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, action, resource_type, resource_id, user_id, metadata, timestamp
		FROM audit_log WHERE resource_type = ? AND resource_id = ?
		ORDER BY timestamp DESC LIMIT ?`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		var userID, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &userID, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan audit log entry: %w", err)
		}
		e.UserID, e.Metadata = userID.String, metadata.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit log: %w", err)
	}
	return out, nil
}
