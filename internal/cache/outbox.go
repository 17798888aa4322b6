package cache

import "time"

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	ReceiverID     string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
}

// QueueOutbox enqueues an outgoing message. Idempotent on client_msg_id so a
// retried submit does not double-queue.
func (db *DB) QueueOutbox(clientMsgID, conversationID, receiverID, body string) error {
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, receiver_id, body, status, created_at)
		VALUES (?, ?, ?, ?, 'queued', ?)
		ON CONFLICT(client_msg_id) DO NOTHING`,
		clientMsgID, conversationID, receiverID, body, time.Now().UnixMilli())
	return err
}

// PendingOutbox returns queued entries oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, receiver_id, body, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.ReceiverID, &e.Body, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxSending flags an entry as in flight.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sending' WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// MarkOutboxSent flags an entry as delivered to the channel.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', error_message = '' WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// MarkOutboxFailed records a send failure. Failed entries are kept for
// inspection but never drained again; retrying is a new Queue call.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ? WHERE client_msg_id = ?`, errMsg, clientMsgID)
	return err
}
