package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueOffline stores a message for agentID to receive once it
// reconnects. ttl bounds how long an undelivered message stays actionable.
func (s *Store) EnqueueOffline(agentID, messageType string, payload []byte, ttl time.Duration) (OfflineQueueEntry, error) {
	now := time.Now().UTC()
	e := OfflineQueueEntry{
		AgentID:     agentID,
		MessageType: messageType,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	res, err := s.db.Exec(`
		INSERT INTO offline_queue (agent_id, message_type, payload, created_at, expires_at, delivered)
		VALUES (?, ?, ?, ?, ?, 0)`,
		e.AgentID, e.MessageType, e.Payload, e.CreatedAt, e.ExpiresAt,
	)
	if err != nil {
		return OfflineQueueEntry{}, fmt.Errorf("storage: enqueue offline message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return OfflineQueueEntry{}, fmt.Errorf("storage: read offline queue id: %w", err)
	}
	e.ID = id
	return e, nil
}

// PendingForAgent returns undelivered, unexpired messages for agentID in
// FIFO order. The caller is expected to deliver them strictly in order and
// stop at the first failure (head-of-line blocking is intentional: a later
// message must never be observed before an earlier one).
func (s *Store) PendingForAgent(agentID string) ([]OfflineQueueEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, message_type, payload, created_at, expires_at, delivered, delivered_at
		FROM offline_queue
		WHERE agent_id = ? AND delivered = 0 AND expires_at > ?
		ORDER BY id ASC`, agentID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: query pending offline messages: %w", err)
	}
	defer rows.Close()

	var out []OfflineQueueEntry
	for rows.Next() {
		var e OfflineQueueEntry
		var deliveredAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AgentID, &e.MessageType, &e.Payload, &e.CreatedAt, &e.ExpiresAt, &e.Delivered, &deliveredAt); err != nil {
			return nil, fmt.Errorf("storage: scan offline message: %w", err)
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			e.DeliveredAt = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate offline messages: %w", err)
	}
	return out, nil
}

// MarkDelivered flags a queued message as delivered so it is not redelivered
// on the next drain.
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.db.Exec(`UPDATE offline_queue SET delivered = 1, delivered_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: mark offline message delivered: %w", err)
	}
	return nil
}

// CleanExpired deletes undelivered offline-queue entries whose TTL has
// elapsed and reports how many were removed. Delivered rows are untouched:
// they stay behind as a delivery audit trail until PurgeDelivered retires
// them.
func (s *Store) CleanExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM offline_queue WHERE delivered = 0 AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: clean expired offline messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: read rows affected: %w", err)
	}
	return n, nil
}

// PurgeDelivered deletes delivered offline-queue entries older than
// retention, the audit-trail counterpart to CleanExpired.
func (s *Store) PurgeDelivered(retention time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM offline_queue WHERE delivered = 1 AND delivered_at <= ?`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("storage: purge delivered offline messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: read rows affected: %w", err)
	}
	return n, nil
}
