// Package wire decodes the loosely typed JSON documents produced by the chat
// server (REST responses and push payloads) into model types.
//
// The server is not consistent about key casing or timestamp encoding, so
// every field is looked up under both its snake_case and camelCase name and
// timestamps are accepted as RFC 3339 strings or Unix milliseconds.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/chatsync/internal/model"
)

// ErrMissingField is returned when a document lacks a field it cannot be
// used without.
var ErrMissingField = errors.New("missing required field")

// Get returns the first of keys present on r.
func Get(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// ID returns an identifier that may be encoded as a string or a number.
func ID(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return strconv.FormatInt(r.Int(), 10)
	default:
		return ""
	}
}

// Time parses an RFC 3339 string or a Unix millisecond number. Anything else
// yields the zero time.
func Time(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Message decodes one message. The id is required; the conversation id may
// be absent when the sender and receiver are present.
func Message(r gjson.Result) (model.Message, error) {
	if !r.IsObject() {
		return model.Message{}, fmt.Errorf("message: not an object: %w", ErrMissingField)
	}
	m := model.Message{
		ID:             ID(Get(r, "id", "_id")),
		ConversationID: ID(Get(r, "conversation_id", "conversationId")),
		SenderID:       ID(Get(r, "sender_id", "senderId")),
		ReceiverID:     ID(Get(r, "receiver_id", "receiverId")),
		Content:        Get(r, "content", "text").String(),
		CreatedAt:      Time(Get(r, "created_at", "createdAt")),
		Read:           Get(r, "read", "is_read", "isRead").Bool(),
		Attachments:    Attachments(Get(r, "attachments")),
	}
	if m.ID == "" {
		return model.Message{}, fmt.Errorf("message id: %w", ErrMissingField)
	}
	if m.ConversationID == "" && (m.SenderID == "" || m.ReceiverID == "") {
		return model.Message{}, fmt.Errorf("message %s conversation: %w", m.ID, ErrMissingField)
	}
	return m, nil
}

// Messages decodes an array of messages, or an object wrapping one under
// "messages" or "data".
func Messages(r gjson.Result) ([]model.Message, error) {
	if !r.IsArray() {
		r = Get(r, "messages", "data")
	}
	var (
		out []model.Message
		err error
	)
	r.ForEach(func(_, v gjson.Result) bool {
		var m model.Message
		m, err = Message(v)
		if err != nil {
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Attachments decodes an attachment array; entries without a filename are
// skipped.
func Attachments(r gjson.Result) []model.Attachment {
	var out []model.Attachment
	r.ForEach(func(_, v gjson.Result) bool {
		a := model.Attachment{
			Filename: Get(v, "filename", "fileName", "name").String(),
			URL:      Get(v, "url", "path").String(),
			MimeType: Get(v, "mimetype", "mimeType", "mime_type").String(),
			Size:     Get(v, "size").Int(),
		}
		if a.Filename != "" {
			out = append(out, a)
		}
		return true
	})
	return out
}

// Conversation decodes one directory entry.
func Conversation(r gjson.Result) (model.Conversation, error) {
	c := model.Conversation{
		ID:            ID(Get(r, "id", "_id", "conversation_id")),
		LastMessageAt: Time(Get(r, "last_message_at", "lastMessageTime", "updated_at", "updatedAt")),
		UnreadCount:   int(Get(r, "unread_count", "unreadCount").Int()),
	}
	if c.ID == "" {
		return model.Conversation{}, fmt.Errorf("conversation id: %w", ErrMissingField)
	}

	if p := Get(r, "participant", "other_user", "otherUser"); p.IsObject() {
		c.Participant = model.Participant{
			ID:   ID(Get(p, "id", "_id")),
			Name: Get(p, "name", "username").String(),
		}
	} else {
		c.Participant = model.Participant{
			ID:   ID(Get(r, "participant_id", "participantId")),
			Name: Get(r, "participant_name", "participantName").String(),
		}
	}

	last := Get(r, "last_message", "lastMessage")
	if last.IsObject() {
		c.LastMessage = Get(last, "content", "text").String()
		if c.LastMessageAt.IsZero() {
			c.LastMessageAt = Time(Get(last, "created_at", "createdAt"))
		}
	} else {
		c.LastMessage = last.String()
	}
	return c, nil
}

// Conversations decodes an array of conversations, or an object wrapping one
// under "conversations" or "data".
func Conversations(r gjson.Result) ([]model.Conversation, error) {
	if !r.IsArray() {
		r = Get(r, "conversations", "data")
	}
	var (
		out []model.Conversation
		err error
	)
	r.ForEach(func(_, v gjson.Result) bool {
		var c model.Conversation
		c, err = Conversation(v)
		if err != nil {
			return false
		}
		out = append(out, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Presence decodes a presence list. Both an array of {user_id, online}
// entries and an object listing online ids under "online" are accepted.
func Presence(r gjson.Result) []model.PresenceEntry {
	var out []model.PresenceEntry
	if r.IsObject() {
		if ids := Get(r, "online", "online_users", "onlineUsers"); ids.IsArray() {
			ids.ForEach(func(_, v gjson.Result) bool {
				if id := ID(v); id != "" {
					out = append(out, model.PresenceEntry{UserID: id, Online: true})
				}
				return true
			})
			return out
		}
		r = Get(r, "presence", "data")
	}
	r.ForEach(func(_, v gjson.Result) bool {
		id := ID(Get(v, "user_id", "userId", "id"))
		if id == "" {
			return true
		}
		online := true
		if o := Get(v, "online", "is_online", "isOnline"); o.Exists() {
			online = o.Bool()
		} else if s := Get(v, "status"); s.Exists() {
			online = s.String() == "online"
		}
		out = append(out, model.PresenceEntry{UserID: id, Online: online})
		return true
	})
	return out
}

// Unread decodes an unread summary. Per-conversation counts may be an object
// keyed by conversation id or an array of {conversation_id, count}. When no
// per-conversation data is present the result's map is nil.
func Unread(r gjson.Result) model.UnreadSummary {
	s := model.UnreadSummary{Total: int(Get(r, "total", "total_unread", "totalUnread").Int())}

	per := Get(r, "per_conversation", "perConversation", "conversations")
	switch {
	case per.IsObject():
		s.PerConversation = make(map[string]int)
		per.ForEach(func(k, v gjson.Result) bool {
			s.PerConversation[k.String()] = int(v.Int())
			return true
		})
	case per.IsArray():
		s.PerConversation = make(map[string]int)
		per.ForEach(func(_, v gjson.Result) bool {
			id := ID(Get(v, "conversation_id", "conversationId", "id"))
			if id != "" {
				s.PerConversation[id] = int(Get(v, "count", "unread_count", "unreadCount").Int())
			}
			return true
		})
	}

	if !Get(r, "total", "total_unread", "totalUnread").Exists() {
		for _, n := range s.PerConversation {
			s.Total += n
		}
	}
	return s
}

// Candidates decodes a user search result.
func Candidates(r gjson.Result) []model.Candidate {
	if !r.IsArray() {
		r = Get(r, "users", "data")
	}
	var out []model.Candidate
	r.ForEach(func(_, v gjson.Result) bool {
		id := ID(Get(v, "id", "_id"))
		if id != "" {
			out = append(out, model.Candidate{ID: id, Name: Get(v, "name", "username").String()})
		}
		return true
	})
	return out
}
