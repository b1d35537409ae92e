package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const offlineColumns = `id, conversation_id, content, is_internal, reply_to_id, attachments, status, retry_count, last_error, created_at`

// Enqueue persists a new offline message with status queued and a zero retry
// count. An id that was ever enqueued before is rejected with ErrDuplicateID,
// even if the original entry has since been removed.
func (db *DB) Enqueue(m *OfflineMessage) error {
	if m.ID == "" {
		return errors.New("enqueue: empty id")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`INSERT INTO used_offline_ids (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, m.ID, now)
	if err != nil {
		return fmt.Errorf("reserve id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enqueue %s: %w", m.ID, ErrDuplicateID)
	}

	_, err = tx.Exec(`
		INSERT INTO offline_messages (id, conversation_id, content, is_internal, reply_to_id, attachments, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, '', ?, ?)`,
		m.ID, m.ConversationID, m.Content, m.IsInternal, nullInt64(m.ReplyToID), attachments, m.CreatedAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("insert offline message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	m.Status = StatusQueued
	m.RetryCount = 0
	m.LastError = ""
	return nil
}

// ListQueued returns every entry that is still eligible for a drain pass, in
// enqueue order. Entries left in syncing by an interrupted pass are included.
func (db *DB) ListQueued() ([]OfflineMessage, error) {
	return db.queryOffline(`SELECT `+offlineColumns+` FROM offline_messages
		WHERE status IN ('queued', 'syncing') ORDER BY seq ASC`)
}

// ListFailed returns entries that exhausted their retries, in enqueue order.
func (db *DB) ListFailed() ([]OfflineMessage, error) {
	return db.queryOffline(`SELECT `+offlineColumns+` FROM offline_messages
		WHERE status = 'failed' ORDER BY seq ASC`)
}

// ListAll returns every entry regardless of status, in enqueue order.
func (db *DB) ListAll() ([]OfflineMessage, error) {
	return db.queryOffline(`SELECT ` + offlineColumns + ` FROM offline_messages ORDER BY seq ASC`)
}

// ListForConversation returns all entries for a conversation in enqueue order.
func (db *DB) ListForConversation(conversationID int64) ([]OfflineMessage, error) {
	return db.queryOffline(`SELECT `+offlineColumns+` FROM offline_messages
		WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
}

// Get returns a single entry by id.
func (db *DB) Get(id string) (*OfflineMessage, error) {
	msgs, err := db.queryOffline(`SELECT `+offlineColumns+` FROM offline_messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("offline message %s: %w", id, ErrNotFound)
	}
	return &msgs[0], nil
}

// UpdateStatus moves an entry to status and records errMsg as the last error
// when it is non-empty. The retry count is incremented only when an entry
// goes back to queued after a send attempt (syncing -> queued).
func (db *DB) UpdateStatus(id string, status QueueStatus, errMsg string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE offline_messages SET
			retry_count = retry_count + CASE WHEN ? = 'queued' AND status = 'syncing' THEN 1 ELSE 0 END,
			status      = ?,
			last_error  = CASE WHEN ? = '' THEN last_error ELSE ? END,
			updated_at  = ?
		WHERE id = ?`,
		string(status), string(status), errMsg, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetForRetry puts an entry back in the queue with a zero retry count and
// no last error. Used for user-triggered retries of failed messages.
func (db *DB) ResetForRetry(id string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE offline_messages SET status = 'queued', retry_count = 0, last_error = '', updated_at = ?
		WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reset %s: %w", id, ErrNotFound)
	}
	return nil
}

// Remove deletes an entry permanently. Only called after the server confirmed it.
func (db *DB) Remove(id string) error {
	res, err := db.Exec(`DELETE FROM offline_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	return nil
}

// Count returns the number of entries still waiting to be sent (queued or syncing).
func (db *DB) Count() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM offline_messages WHERE status IN ('queued', 'syncing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Stats counts entries per status.
func (db *DB) Stats() (QueueStats, error) {
	var s QueueStats
	rows, err := db.Query(`SELECT status, COUNT(*) FROM offline_messages GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		switch QueueStatus(status) {
		case StatusQueued:
			s.Queued = n
		case StatusSyncing:
			s.Syncing = n
		case StatusFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

func (db *DB) queryOffline(query string, args ...any) ([]OfflineMessage, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []OfflineMessage
	for rows.Next() {
		var (
			m           OfflineMessage
			replyTo     sql.NullInt64
			attachments string
			status      string
			createdAt   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.IsInternal, &replyTo, &attachments, &status, &m.RetryCount, &m.LastError, &createdAt); err != nil {
			return nil, err
		}
		if replyTo.Valid {
			v := replyTo.Int64
			m.ReplyToID = &v
		}
		if m.Attachments, err = decodeAttachments(attachments); err != nil {
			return nil, fmt.Errorf("offline message %s: %w", m.ID, err)
		}
		m.Status = QueueStatus(status)
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeAttachments(a []Attachment) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}

func decodeAttachments(s string) ([]Attachment, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var a []Attachment
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return a, nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
