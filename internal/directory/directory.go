// Package directory maintains the recency-ordered conversation list.
package directory

import (
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

const previewLen = 100

// UnreadSource supplies authoritative unread counts for List.
type UnreadSource interface {
	Conversation(id string) (int, bool)
}

// Directory is the ordered list of conversations. Every mutation happens
// under its lock and keeps the list sorted most-recent first.
type Directory struct {
	mu     sync.Mutex
	convs  []model.Conversation
	active string
	selfID string
	unread UnreadSource
	bus    *bus.Bus
}

// New creates an empty directory for the local user selfID.
func New(selfID string, unread UnreadSource, b *bus.Bus) *Directory {
	return &Directory{selfID: selfID, unread: unread, bus: b}
}

// List returns a copy of the ordered conversations.
func (d *Directory) List() []model.Conversation {
	d.mu.Lock()
	out := slices.Clone(d.convs)
	d.mu.Unlock()

	if d.unread != nil {
		for i := range out {
			if n, ok := d.unread.Conversation(out[i].ID); ok {
				out[i].UnreadCount = n
			}
		}
	}
	return out
}

// Get returns the conversation with the given id.
func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(id); i >= 0 {
		return d.convs[i], true
	}
	return model.Conversation{}, false
}

// FindByParticipant returns the conversation held with userID.
func (d *Directory) FindByParticipant(userID string) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.participantIndexLocked(userID); i >= 0 {
		return d.convs[i], true
	}
	return model.Conversation{}, false
}

// SetActive marks the conversation the user is looking at. An empty id
// means no conversation is open.
func (d *Directory) SetActive(id string) {
	d.mu.Lock()
	d.active = id
	d.mu.Unlock()
}

// Active returns the currently open conversation id.
func (d *Directory) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Refresh replaces the list with an authoritative snapshot. Entries with
// equal timestamps are ordered by id so repeated refreshes do not reshuffle
// the list.
func (d *Directory) Refresh(list []model.Conversation) {
	convs := slices.Clone(list)
	sortConversations(convs)

	d.mu.Lock()
	d.convs = convs
	d.mu.Unlock()

	d.bus.Emit(bus.KindDirectoryUpdated, nil)
}

// Upsert inserts or replaces one conversation, e.g. one the server created
// on first contact, keeping the list ordered.
func (d *Directory) Upsert(c model.Conversation) {
	d.mu.Lock()
	if i := d.indexLocked(c.ID); i >= 0 {
		d.convs[i] = c
	} else {
		d.convs = append(d.convs, c)
	}
	sortConversations(d.convs)
	d.mu.Unlock()

	d.bus.Emit(bus.KindDirectoryUpdated, nil)
}

// RecordMessage folds a sent or received message into the directory: the
// conversation is located by id, then by participant, and created when
// unknown; its preview and timestamp are updated and it moves to the front.
// It returns the updated conversation and whether the message should count
// as unread (inbound while the conversation is not open).
func (d *Directory) RecordMessage(msg model.Message) (model.Conversation, bool) {
	inbound := msg.SenderID != d.selfID
	peer := msg.ReceiverID
	if inbound {
		peer = msg.SenderID
	}

	d.mu.Lock()
	i := -1
	if msg.ConversationID != "" {
		i = d.indexLocked(msg.ConversationID)
	}
	if i < 0 {
		i = d.participantIndexLocked(peer)
	}

	var conv model.Conversation
	if i >= 0 {
		conv = d.convs[i]
		d.convs = slices.Delete(d.convs, i, i+1)
	} else {
		conv = model.Conversation{ID: msg.ConversationID, Participant: model.Participant{ID: peer}}
	}
	if conv.ID == "" {
		conv.ID = msg.ConversationID
	}
	conv.LastMessage = Preview(msg)
	if !msg.CreatedAt.IsZero() {
		conv.LastMessageAt = msg.CreatedAt
	}
	counted := inbound && conv.ID != d.active
	if counted {
		conv.UnreadCount++
	}
	d.convs = slices.Insert(d.convs, 0, conv)
	d.mu.Unlock()

	d.bus.Emit(bus.KindDirectoryUpdated, nil)
	return conv, counted
}

// ClearUnread zeroes the cached unread count of a conversation.
func (d *Directory) ClearUnread(id string) {
	d.mu.Lock()
	if i := d.indexLocked(id); i >= 0 {
		d.convs[i].UnreadCount = 0
	}
	d.mu.Unlock()
}

func (d *Directory) indexLocked(id string) int {
	return slices.IndexFunc(d.convs, func(c model.Conversation) bool { return c.ID == id })
}

func (d *Directory) participantIndexLocked(userID string) int {
	if userID == "" {
		return -1
	}
	return slices.IndexFunc(d.convs, func(c model.Conversation) bool { return c.Participant.ID == userID })
}

// Preview renders the one-line summary shown for a message.
func Preview(msg model.Message) string {
	text := strings.TrimSpace(msg.Content)
	if text == "" && len(msg.Attachments) > 0 {
		text = "[attachment] " + msg.Attachments[0].Filename
	}
	if len(text) > previewLen {
		cut := previewLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func sortConversations(convs []model.Conversation) {
	slices.SortStableFunc(convs, func(a, b model.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
