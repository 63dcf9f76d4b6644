package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

// Status is the GetStatus response.
type Status struct {
	Profile            string       `json:"profile"`
	PushState          string       `json:"push_state"`
	PushStateSince     time.Time    `json:"push_state_since"`
	UptimeMs           int64        `json:"uptime_ms"`
	ActiveConversation string       `json:"active_conversation,omitempty"`
	Conversations      int          `json:"conversations"`
	UnreadTotal        int          `json:"unread_total"`
	Online             []string     `json:"online,omitempty"`
	Cache              *store.Stats `json:"cache,omitempty"`
}

// SendResult carries the message left in the timeline by a send or retry.
// A failed delivery is not an RPC error: the failed entry comes back with
// its code so the caller can retry it by id.
type SendResult struct {
	Message   model.Message `json:"message"`
	ErrorCode syncerr.Code  `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Failed reports whether the delivery failed.
func (r SendResult) Failed() bool {
	return r.ErrorCode != ""
}

// FileArg is a file attached to a Send request.
type FileArg struct {
	Name     string `json:"name"`
	MimeType string `json:"mimetype,omitempty"`
	Data     []byte `json:"data"`
}

// Event is one bus event delivered by WatchEvents.
type Event struct {
	ID         string          `json:"id"`
	Profile    string          `json:"profile"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationInfo is a directory entry annotated with the participant's
// last known presence.
type ConversationInfo struct {
	model.Conversation
	Online bool `json:"online"`
}

type conversationsResponse struct {
	Conversations []ConversationInfo `json:"conversations"`
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

type openResponse struct {
	Conversation model.Conversation `json:"conversation"`
}

type sendRequest struct {
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Files          []FileArg `json:"files,omitempty"`
}

type messageRef struct {
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
}

type markReadResponse struct {
	Marked int `json:"marked"`
}

type searchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type candidatesResponse struct {
	Users []model.Candidate `json:"users"`
}

type searchResponse struct {
	Results []store.SearchResult `json:"results"`
}

type watchRequest struct {
	Namespaces []string `json:"namespaces,omitempty"`
}
