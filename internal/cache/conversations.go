package cache

import (
	"database/sql"
)

// Conversation is a cached conversation summary row. The unread count is the
// local user's counter; other users' counters are never persisted.
type Conversation struct {
	ID              string
	PeerID          string
	PeerName        string
	PeerAvatar      string
	LastMessage     string
	LastMessageType string
	Unread          int
	UpdatedAt       int64
}

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, peer_id, peer_name, peer_avatar, last_message, last_message_type, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_name = excluded.peer_name,
			peer_avatar = excluded.peer_avatar,
			last_message = excluded.last_message,
			last_message_type = excluded.last_message_type,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.PeerID, c.PeerName, c.PeerAvatar, c.LastMessage, c.LastMessageType, c.Unread, c.UpdatedAt)
	return err
}

// SetUnread updates only the unread counter of a cached conversation.
func (db *DB) SetUnread(conversationID string, count int) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ? WHERE id = ?`, count, conversationID)
	return err
}

// getConversation returns a single cached conversation, or nil if absent.
func (db *DB) getConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, peer_id, peer_name, peer_avatar, last_message, last_message_type, unread_count, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.PeerID, &c.PeerName, &c.PeerAvatar, &c.LastMessage, &c.LastMessageType, &c.Unread, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns cached conversations, most recently updated first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, peer_id, peer_name, peer_avatar, last_message, last_message_type, unread_count, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.PeerID, &c.PeerName, &c.PeerAvatar, &c.LastMessage, &c.LastMessageType, &c.Unread, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
