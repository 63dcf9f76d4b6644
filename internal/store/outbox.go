package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// SaveFailed persists a failed send together with its file payloads so it
// can be retried after a restart.
func (db *DB) SaveFailed(msg model.Message, reason string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO outbox (temp_id, conversation_id, sender_id, receiver_id, content, created_at, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, toMillis(msg.CreatedAt), reason, now); err != nil {
		return fmt.Errorf("save failed send %q: %w", msg.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM outbox_files WHERE temp_id = ?`, msg.ID); err != nil {
		return fmt.Errorf("clear files of %q: %w", msg.ID, err)
	}
	for i, f := range msg.Files {
		if _, err := tx.Exec(`INSERT INTO outbox_files (temp_id, position, name, mime_type, data) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, i, f.Name, f.MimeType, f.Data); err != nil {
			return fmt.Errorf("save file %q of %q: %w", f.Name, msg.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteFailed removes a persisted failed send and its files. Deleting an
// unknown id is not an error.
func (db *DB) DeleteFailed(tempID string) error {
	if _, err := db.Exec(`DELETE FROM outbox WHERE temp_id = ?`, tempID); err != nil {
		return fmt.Errorf("delete failed send %q: %w", tempID, err)
	}
	return nil
}

// LoadFailed returns every persisted failed send, oldest first, marked
// failed and carrying its files.
func (db *DB) LoadFailed() ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT temp_id, conversation_id, sender_id, receiver_id, content, created_at
		FROM outbox ORDER BY created_at ASC, temp_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load failed sends: %w", err)
	}
	var msgs []model.Message
	for rows.Next() {
		var (
			m  model.Message
			at int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &at); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.CreatedAt = fromMillis(at)
		m.Failed = true
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range msgs {
		files, err := db.outboxFiles(msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Files = files
		for _, f := range files {
			msgs[i].Attachments = append(msgs[i].Attachments, model.Attachment{
				Filename: f.Name,
				URL:      "local://" + msgs[i].ID + "/" + f.Name,
				MimeType: f.MimeType,
				Size:     f.Size(),
			})
		}
	}
	return msgs, nil
}

func (db *DB) outboxFiles(tempID string) ([]model.File, error) {
	rows, err := db.Query(`SELECT name, mime_type, data FROM outbox_files WHERE temp_id = ? ORDER BY position`, tempID)
	if err != nil {
		return nil, fmt.Errorf("load files of %q: %w", tempID, err)
	}
	defer func() { _ = rows.Close() }()

	var files []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.Name, &f.MimeType, &f.Data); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
