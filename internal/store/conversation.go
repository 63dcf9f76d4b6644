package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const upsertConversationSQL = `
	INSERT INTO conversations (id, participant_id, participant_name, last_message, last_message_at, unread_count, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		participant_id = excluded.participant_id,
		participant_name = CASE WHEN excluded.participant_name != '' THEN excluded.participant_name ELSE conversations.participant_name END,
		last_message = excluded.last_message,
		last_message_at = excluded.last_message_at,
		unread_count = excluded.unread_count,
		updated_at = excluded.updated_at`

// UpsertConversation inserts or updates one conversation. A known
// participant name is kept when the update carries none.
func (db *DB) UpsertConversation(c model.Conversation) error {
	_, err := db.Exec(upsertConversationSQL,
		c.ID, c.Participant.ID, c.Participant.Name, c.LastMessage, toMillis(c.LastMessageAt), c.UnreadCount, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
	}
	return nil
}

// ReplaceConversations makes the cached list match an authoritative
// snapshot in a single transaction.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(upsertConversationSQL,
			c.ID, c.Participant.ID, c.Participant.Name, c.LastMessage, toMillis(c.LastMessageAt), c.UnreadCount, now); err != nil {
			return fmt.Errorf("insert conversation %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns cached conversations, most recent first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_id, participant_name, last_message, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var (
			c  model.Conversation
			at int64
		)
		if err := rows.Scan(&c.ID, &c.Participant.ID, &c.Participant.Name, &c.LastMessage, &at, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageAt = fromMillis(at)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
