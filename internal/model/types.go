package model

import (
	"strings"
	"time"
)

// TempIDPrefix marks locally generated message ids that the server has not confirmed yet.
const TempIDPrefix = "tmp-"

// Participant describes the other side of a one-to-one conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is a denormalized conversation entry as shown in the directory.
type Conversation struct {
	ID            string      `json:"id"`
	Participant   Participant `json:"participant"`
	LastMessage   string      `json:"last_message,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
}

// Attachment is a file attached to a message. URL points at a local preview
// until the message is confirmed, and at the persisted file afterwards.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size"`
}

// File is a raw file payload owned by a pending or failed message so that
// the send can be repeated byte-for-byte.
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mimetype,omitempty"`
	Data     []byte `json:"-"`
}

// Size returns the payload size in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Message is a single chat message, either confirmed by the server or
// provisional (pending/failed) with a temporary id.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	ReceiverID     string       `json:"receiver_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Read           bool         `json:"read"`
	Pending        bool         `json:"pending"`
	Failed         bool         `json:"failed"`

	// Files is only populated while the message is pending or failed.
	Files []File `json:"-"`
}

// State is the delivery state of a message.
type State string

const (
	StatePending   State = "PENDING"
	StateFailed    State = "FAILED"
	StateConfirmed State = "CONFIRMED"
)

// State derives the delivery state from the pending/failed flags.
func (m *Message) State() State {
	switch {
	case m.Pending:
		return StatePending
	case m.Failed:
		return StateFailed
	default:
		return StateConfirmed
	}
}

// Confirmed reports whether the message carries a server identity.
func (m *Message) Confirmed() bool {
	return !m.Pending && !m.Failed
}

// IsTemporary reports whether the id was generated locally.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Clone returns a deep copy so callers never alias timeline storage.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Files != nil {
		files := make([]File, len(m.Files))
		for i, f := range m.Files {
			f.Data = append([]byte(nil), f.Data...)
			files[i] = f
		}
		m.Files = files
	}
	return m
}

// PresenceEntry is the best-effort online status of one contact.
type PresenceEntry struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Candidate is a user returned by a directory search.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// UnreadSummary is an authoritative unread count snapshot.
type UnreadSummary struct {
	Total           int            `json:"total"`
	PerConversation map[string]int `json:"per_conversation,omitempty"`
}
