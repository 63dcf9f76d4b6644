package timeline

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

// Update is the payload of bus.KindTimelineUpdated.
type Update struct {
	ConversationID string `json:"conversation_id"`
}

// Store owns the timelines of every known conversation. All mutations take
// the store lock, so a poll result, a push event and a send outcome never
// interleave inside one update.
type Store struct {
	mu        sync.Mutex
	timelines map[string][]model.Message
	bus       *bus.Bus
}

// NewStore creates an empty store publishing updates on b (which may be nil).
func NewStore(b *bus.Bus) *Store {
	return &Store{
		timelines: make(map[string][]model.Message),
		bus:       b,
	}
}

// Messages returns a copy of the timeline for convID.
func (s *Store) Messages(convID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.timelines[convID])
}

// Find returns a copy of the message with the given id.
func (s *Store) Find(convID, id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.timelines[convID], id); i >= 0 {
		return s.timelines[convID][i].Clone(), true
	}
	return model.Message{}, false
}

// Conversations returns the ids of all conversations with a timeline.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.timelines))
	for id := range s.timelines {
		ids = append(ids, id)
	}
	return ids
}

// Reconcile merges an authoritative snapshot into the timeline.
//
// Confirmed entries newer than everything in the snapshot are kept on the
// server side of the merge: they reached us (usually by push) after the
// snapshot was taken.
func (s *Store) Reconcile(convID string, snapshot []model.Message) []model.Message {
	s.mu.Lock()
	current := s.timelines[convID]

	server := make([]model.Message, 0, len(snapshot))
	ids := make(map[string]struct{}, len(snapshot))
	var newest model.Message
	for _, m := range snapshot {
		m = confirmedCopy(m, convID)
		ids[m.ID] = struct{}{}
		if m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
		server = append(server, m)
	}
	for _, m := range current {
		if !m.Confirmed() {
			continue
		}
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if m.CreatedAt.After(newest.CreatedAt) {
			server = append(server, m)
		}
	}

	merged := Merge(server, current)
	s.timelines[convID] = merged
	out := cloneAll(merged)
	s.mu.Unlock()

	s.publish(convID)
	return out
}

// Apply upserts a confirmed message, typically from a push event or a send
// acknowledgment. It reports whether the id was new to the timeline, which
// lets callers ignore duplicate echoes.
func (s *Store) Apply(msg model.Message) bool {
	convID := msg.ConversationID
	s.mu.Lock()
	added := s.applyLocked(convID, confirmedCopy(msg, convID))
	s.mu.Unlock()

	s.publish(convID)
	return added
}

func (s *Store) applyLocked(convID string, msg model.Message) bool {
	current := s.timelines[convID]
	server := make([]model.Message, 0, len(current)+1)
	added := true
	for _, m := range current {
		if !m.Confirmed() {
			continue
		}
		if m.ID == msg.ID {
			added = false
			continue
		}
		server = append(server, m)
	}
	server = append(server, msg)
	s.timelines[convID] = Merge(server, current)
	return added
}

// InsertProvisional adds a pending message created locally. The entry is
// appended directly so it is visible even when an older confirmed message
// has the same signature.
func (s *Store) InsertProvisional(msg model.Message) {
	convID := msg.ConversationID
	msg = msg.Clone()
	msg.Pending = true
	msg.Failed = false

	s.mu.Lock()
	current := s.timelines[convID]
	if i := indexOf(current, msg.ID); i >= 0 {
		current[i] = msg
	} else {
		current = append(current, msg)
	}
	sortByCreatedAt(current)
	s.timelines[convID] = current
	s.mu.Unlock()

	s.publish(convID)
}

// Confirm replaces the provisional entry tempID with the confirmed message.
// If a push echo already delivered the confirmed copy, the provisional entry
// is simply dropped.
func (s *Store) Confirm(convID, tempID string, confirmed model.Message) {
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = convID
	}
	s.mu.Lock()
	s.removeLocked(convID, tempID)
	target := confirmed.ConversationID
	s.applyLocked(target, confirmedCopy(confirmed, target))
	s.mu.Unlock()

	s.publish(convID)
	if target != convID {
		s.publish(target)
	}
}

// Fail marks a provisional entry as failed. original is the payload as it
// was submitted; it is re-inserted when a poll absorbed the entry meanwhile,
// so a failed send never vanishes without a retry affordance.
func (s *Store) Fail(convID string, original model.Message) {
	original = original.Clone()
	original.Pending = false
	original.Failed = true

	s.mu.Lock()
	current := s.timelines[convID]
	if i := indexOf(current, original.ID); i >= 0 {
		current[i].Pending = false
		current[i].Failed = true
		if current[i].Files == nil {
			current[i].Files = original.Files
		}
	} else {
		current = append(current, original)
		sortByCreatedAt(current)
		s.timelines[convID] = current
	}
	s.mu.Unlock()

	s.publish(convID)
}

// RestoreFailed inserts a failed message persisted by an earlier run.
func (s *Store) RestoreFailed(msg model.Message) {
	s.Fail(msg.ConversationID, msg)
}

// BeginRetry moves a failed message back to pending and returns a copy
// carrying the original content and files.
func (s *Store) BeginRetry(convID, tempID string) (model.Message, error) {
	s.mu.Lock()
	current := s.timelines[convID]
	i := indexOf(current, tempID)
	if i < 0 {
		s.mu.Unlock()
		return model.Message{}, syncerr.ErrMessageNotFound
	}
	if !current[i].Failed {
		s.mu.Unlock()
		return model.Message{}, syncerr.ErrNotRetryable
	}
	current[i].Failed = false
	current[i].Pending = true
	out := current[i].Clone()
	s.mu.Unlock()

	s.publish(convID)
	return out, nil
}

// Discard removes an unconfirmed message and releases its files.
func (s *Store) Discard(convID, tempID string) error {
	s.mu.Lock()
	current := s.timelines[convID]
	i := indexOf(current, tempID)
	if i < 0 {
		s.mu.Unlock()
		return syncerr.ErrMessageNotFound
	}
	if current[i].Confirmed() {
		s.mu.Unlock()
		return syncerr.ErrNotRetryable
	}
	s.removeLocked(convID, tempID)
	s.mu.Unlock()

	s.publish(convID)
	return nil
}

// MarkRead flags every confirmed message addressed to readerID as read and
// returns how many changed.
func (s *Store) MarkRead(convID, readerID string) int {
	s.mu.Lock()
	n := 0
	for i := range s.timelines[convID] {
		m := &s.timelines[convID][i]
		if m.ReceiverID == readerID && !m.Read && m.Confirmed() {
			m.Read = true
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.publish(convID)
	}
	return n
}

// Forget drops the confirmed history of convID. Pending and failed entries
// stay so their sends can still be resolved or retried.
func (s *Store) Forget(convID string) {
	s.mu.Lock()
	var kept []model.Message
	for _, m := range s.timelines[convID] {
		if !m.Confirmed() {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(s.timelines, convID)
	} else {
		s.timelines[convID] = kept
	}
	s.mu.Unlock()

	s.publish(convID)
}

func (s *Store) removeLocked(convID, id string) {
	current := s.timelines[convID]
	if i := indexOf(current, id); i >= 0 {
		s.timelines[convID] = append(current[:i:i], current[i+1:]...)
	}
}

func (s *Store) publish(convID string) {
	s.bus.Emit(bus.KindTimelineUpdated, Update{ConversationID: convID})
}

// confirmedCopy strips local-only state from a server message.
func confirmedCopy(m model.Message, convID string) model.Message {
	m = m.Clone()
	if m.ConversationID == "" {
		m.ConversationID = convID
	}
	m.Pending = false
	m.Failed = false
	m.Files = nil
	return m
}

func indexOf(msgs []model.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
