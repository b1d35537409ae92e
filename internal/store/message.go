package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, sender_type, content, is_internal, reply_to_id, external_id, attachments, read_by, status, created_at`

// StatusRank orders server delivery states. Unknown states rank lowest.
func StatusRank(status string) int {
	switch status {
	case "sent":
		return 1
	case "delivered":
		return 2
	case "read":
		return 3
	}
	return 0
}

// UpsertMessage caches a server message (idempotent on id). The stored
// delivery status never moves backwards.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db, m)
}

// UpsertMessages caches a batch of server messages in a single transaction.
func (db *DB) UpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessage(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m *Message) error {
	if m.ID <= 0 {
		return fmt.Errorf("upsert message: invalid server id %d", m.ID)
	}
	status := m.Status
	if status == "" {
		status = "sent"
	}
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	readBy, err := encodeIDs(m.ReadBy)
	if err != nil {
		return err
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = ex.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, sender_type, content, is_internal, reply_to_id, external_id, attachments, read_by, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content     = excluded.content,
			attachments = excluded.attachments,
			read_by     = excluded.read_by,
			external_id = COALESCE(messages.external_id, excluded.external_id),
			status      = CASE WHEN `+rankSQL("excluded.status")+` > `+rankSQL("messages.status")+`
				THEN excluded.status ELSE messages.status END`,
		m.ID, m.ConversationID, m.SenderID, m.SenderType, m.Content, m.IsInternal, nullInt64(m.ReplyToID),
		nullString(m.ExternalID), attachments, readBy, status, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert message %d: %w", m.ID, err)
	}
	return nil
}

// AdvanceMessageStatus moves a cached message forward to status. It reports
// false when the message is unknown or already at or past that status.
func (db *DB) AdvanceMessageStatus(id int64, status string) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND `+rankSQL("status")+` < ?`,
		status, id, StatusRank(status))
	if err != nil {
		return false, fmt.Errorf("advance status %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetMessage returns a cached message by server id.
func (db *DB) GetMessage(id int64) (*Message, error) {
	msgs, err := db.queryMessages(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return &msgs[0], nil
}

// ListMessages returns the latest limit cached messages of a conversation in
// chronological order.
func (db *DB) ListMessages(conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m           Message
			replyTo     sql.NullInt64
			externalID  sql.NullString
			attachments string
			readBy      string
			createdAt   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderType, &m.Content, &m.IsInternal,
			&replyTo, &externalID, &attachments, &readBy, &m.Status, &createdAt); err != nil {
			return nil, err
		}
		if replyTo.Valid {
			v := replyTo.Int64
			m.ReplyToID = &v
		}
		m.ExternalID = externalID.String
		if m.Attachments, err = decodeAttachments(attachments); err != nil {
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		if m.ReadBy, err = decodeIDs(readBy); err != nil {
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func rankSQL(col string) string {
	return `(CASE ` + col + ` WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)`
}

func encodeIDs(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(s string) ([]int64, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return ids, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
