package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, reply_to_id, attachment, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			created_at = MAX(messages.created_at, excluded.created_at)`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.ReplyToID, m.Attachment, m.CreatedAt, now)
	return err
}

// UpsertMessages inserts or updates a batch in a single transaction.
func (db *DB) UpsertMessages(msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, reply_to_id, attachment, created_at, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				body = excluded.body,
				created_at = MAX(messages.created_at, excluded.created_at)`,
			m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.ReplyToID, m.Attachment, m.CreatedAt, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MessagesAfter returns confirmed messages for a conversation newer than
// afterTs, ascending by timestamp. afterTs <= 0 returns from the start.
func (db *DB) MessagesAfter(conversationID string, afterTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, reply_to_id, attachment, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, conversationID, afterTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ReplyToID, &m.Attachment, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a server-deleted message.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// MessageCount returns the total number of persisted messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
