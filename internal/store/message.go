package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, attachments, created_at, is_read)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, id) DO UPDATE SET
		content = excluded.content,
		attachments = excluded.attachments,
		created_at = excluded.created_at,
		is_read = excluded.is_read`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m model.Message) error {
	atts, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	if m.Attachments == nil {
		atts = []byte("[]")
	}
	_, err = ex.Exec(upsertMessageSQL,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, string(atts), toMillis(m.CreatedAt), m.Read)
	return err
}

// UpsertMessage caches one confirmed message (idempotent on conversation + id).
// Provisional messages are never cached here; failed sends live in the outbox.
func (db *DB) UpsertMessage(m model.Message) error {
	if !m.Confirmed() {
		return nil
	}
	if err := upsertMessage(db, m); err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}
	return nil
}

// ReplaceMessages makes the cached timeline of convID match msgs, skipping
// provisional entries.
func (db *DB) ReplaceMessages(convID string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("clear messages of %q: %w", convID, err)
	}
	for _, m := range msgs {
		if !m.Confirmed() {
			continue
		}
		m.ConversationID = convID
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("insert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns up to limit cached messages of a conversation created
// before the given time (zero means now), oldest first.
func (db *DB) ListMessages(convID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	beforeMs := time.Now().UnixMilli() + 1
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, content, attachments, created_at, is_read
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, convID, beforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m    model.Message
			atts string
			at   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &atts, &at, &m.Read); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %q: %w", m.ID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		m.CreatedAt = fromMillis(at)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
