// Package timeline keeps per-conversation message lists and reconciles
// server snapshots with locally created, not yet confirmed entries.
package timeline

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Signature identifies a message by what it says rather than by its id, so a
// provisional entry can be matched with its server copy before ids align.
type Signature struct {
	SenderID        string
	ReceiverID      string
	Content         string
	AttachmentCount int
	FirstFilename   string
}

// SignatureOf computes the signature of m.
func SignatureOf(m *model.Message) Signature {
	sig := Signature{
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Content:         m.Content,
		AttachmentCount: len(m.Attachments),
	}
	if len(m.Attachments) > 0 {
		sig.FirstFilename = m.Attachments[0].Filename
	}
	return sig
}

// FailedMatchSkew is how much earlier than a failed entry a server message
// may be timestamped and still be taken as its server copy.
const FailedMatchSkew = 30 * time.Second

// Merge returns server plus every unconfirmed entry of local that the server
// list does not already account for, either by id or by signature. The
// result is sorted ascending by CreatedAt; entries without a timestamp come
// first and equal timestamps keep their input order.
//
// Failed entries are carried like pending ones so they stay visible for a
// retry. A failed entry is only matched by signature against server messages
// no older than its own timestamp minus FailedMatchSkew, so an earlier
// message with the same text never absorbs it.
func Merge(server, local []model.Message) []model.Message {
	ids := make(map[string]struct{}, len(server))
	sigs := make(map[Signature]time.Time, len(server))
	for i := range server {
		ids[server[i].ID] = struct{}{}
		sig := SignatureOf(&server[i])
		if latest, ok := sigs[sig]; !ok || server[i].CreatedAt.After(latest) {
			sigs[sig] = server[i].CreatedAt
		}
	}

	merged := make([]model.Message, 0, len(server)+len(local))
	merged = append(merged, server...)
	for i := range local {
		m := &local[i]
		if m.Confirmed() {
			continue
		}
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if latest, ok := sigs[SignatureOf(m)]; ok {
			if !m.Failed || !latest.Before(m.CreatedAt.Add(-FailedMatchSkew)) {
				continue
			}
		}
		merged = append(merged, *m)
	}
	sortByCreatedAt(merged)
	return merged
}

func sortByCreatedAt(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
