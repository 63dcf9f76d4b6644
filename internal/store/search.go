package store

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/model"
)

const snippetRadius = 32

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message model.Message `json:"message"`
	Snippet string        `json:"snippet"`
}

// SearchMessages finds cached messages whose content contains query,
// case-insensitively, optionally restricted to one conversation. Newest
// matches come first.
func (db *DB) SearchMessages(query, convID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, conversation_id, sender_id, receiver_id, content, attachments, created_at, is_read
		FROM messages
		WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if convID != "" {
		q += " AND conversation_id = ?"
		args = append(args, convID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(msgs))
	for i, m := range msgs {
		results[i] = SearchResult{Message: m, Snippet: snippet(m.Content, query)}
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns the text around the first match of query, marking the
// match with << >>.
func snippet(content, query string) string {
	i := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if i < 0 || len(strings.ToLower(content)) != len(content) {
		return content
	}
	end := i + len(query)

	start := max(i-snippetRadius, 0)
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	stop := min(end+snippetRadius, len(content))
	for stop < len(content) && !utf8.RuneStart(content[stop]) {
		stop++
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:i])
	b.WriteString("<<")
	b.WriteString(content[i:end])
	b.WriteString(">>")
	b.WriteString(content[end:stop])
	if stop < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
