// Package unread reconciles global and per-conversation unread counters.
//
// Authoritative snapshots (push or REST) always replace local values; local
// mark-read decrements and inbound increments only bridge the gap until the
// next snapshot arrives.
package unread

import (
	"maps"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// Counts is the payload of bus.KindUnreadUpdated.
type Counts struct {
	Total           int            `json:"total"`
	PerConversation map[string]int `json:"per_conversation"`
}

// Reconciler owns the unread counters.
type Reconciler struct {
	mu    sync.Mutex
	total int
	per   map[string]int
	bus   *bus.Bus
}

// NewReconciler creates a reconciler with all counters at zero.
func NewReconciler(b *bus.Bus) *Reconciler {
	return &Reconciler{per: make(map[string]int), bus: b}
}

// Total returns the global unread count.
func (r *Reconciler) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Conversation returns the unread count of one conversation, if known.
func (r *Reconciler) Conversation(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.per[id]
	return n, ok
}

// Snapshot returns a copy of all counters.
func (r *Reconciler) Snapshot() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Counts{Total: r.total, PerConversation: maps.Clone(r.per)}
}

// ApplySummary replaces the counters with an authoritative summary. A
// summary without per-conversation data only replaces the total.
func (r *Reconciler) ApplySummary(s model.UnreadSummary) {
	r.mu.Lock()
	r.total = max(s.Total, 0)
	if s.PerConversation != nil {
		r.per = make(map[string]int, len(s.PerConversation))
		for id, n := range s.PerConversation {
			r.per[id] = max(n, 0)
		}
	}
	r.mu.Unlock()

	r.publish()
}

// ApplyConversations replaces per-conversation counters from a full
// directory refresh. The total is recomputed from the list.
func (r *Reconciler) ApplyConversations(convs []model.Conversation) {
	r.mu.Lock()
	r.per = make(map[string]int, len(convs))
	total := 0
	for _, c := range convs {
		n := max(c.UnreadCount, 0)
		r.per[c.ID] = n
		total += n
	}
	r.total = total
	r.mu.Unlock()

	r.publish()
}

// Increment counts one new inbound message for a conversation.
func (r *Reconciler) Increment(convID string) {
	r.mu.Lock()
	r.per[convID]++
	r.total++
	r.mu.Unlock()

	r.publish()
}

// MarkRead optimistically clears a conversation and returns how many unread
// messages it had. Counters never go below zero, however often this runs.
func (r *Reconciler) MarkRead(convID string) int {
	r.mu.Lock()
	n := r.per[convID]
	r.per[convID] = 0
	r.total = max(r.total-n, 0)
	r.mu.Unlock()

	if n > 0 {
		r.publish()
	}
	return n
}

func (r *Reconciler) publish() {
	r.bus.Emit(bus.KindUnreadUpdated, r.Snapshot())
}
