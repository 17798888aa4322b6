package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parley-im/parley/internal/convo"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m convo.Message) error {
	return upsertMessage(db.DB, m)
}

// UpsertMessages writes a batch of messages in one transaction. Used when a
// whole window page lands at once.
func (db *DB) UpsertMessages(msgs []convo.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(e execer, m convo.Message) error {
	_, err := e.Exec(`
		INSERT INTO messages (msg_id, conversation_id, sender_id, receiver_id, body, message_type, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			is_read = CASE WHEN excluded.is_read = 1 THEN 1 ELSE messages.is_read END`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Body, m.Type, m.IsRead, m.CreatedAt)
	return err
}

// MarkMessagesRead flips is_read on every cached message of a conversation
// sent by senderID.
func (db *DB) MarkMessagesRead(conversationID, senderID string) error {
	_, err := db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id = ?`, conversationID, senderID)
	return err
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by created_at, oldest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]convo.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, receiver_id, body, message_type, is_read, created_at
		FROM (
			SELECT msg_id, conversation_id, sender_id, receiver_id, body, message_type, is_read, created_at
			FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []convo.Message
	for rows.Next() {
		var m convo.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Type, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
