package directory

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/chatsync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedUnread map[string]int

func (f fixedUnread) Conversation(id string) (int, bool) {
	n, ok := f[id]
	return n, ok
}

func convIDs(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

// TestRefreshStableOrder verifies that conversations sharing a timestamp
// keep the same relative order across repeated refreshes.
func TestRefreshStableOrder(t *testing.T) {
	d := New("me", nil, nil)
	snapshots := [][]model.Conversation{
		{{ID: "b", LastMessageAt: t0}, {ID: "a", LastMessageAt: t0}, {ID: "z", LastMessageAt: t0.Add(-time.Hour)}},
		{{ID: "a", LastMessageAt: t0}, {ID: "z", LastMessageAt: t0.Add(-time.Hour)}, {ID: "b", LastMessageAt: t0}},
	}
	want := []string{"a", "b", "z"}
	for i := 0; i < 10; i++ {
		d.Refresh(snapshots[i%2])
		if diff := cmp.Diff(want, convIDs(d.List())); diff != "" {
			t.Fatalf("refresh %d order mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRecordInboundCountsWhenInactive(t *testing.T) {
	d := New("me", nil, nil)
	d.Refresh([]model.Conversation{
		{ID: "c1", Participant: model.Participant{ID: "u1"}, LastMessageAt: t0},
		{ID: "c2", Participant: model.Participant{ID: "u2"}, LastMessageAt: t0.Add(time.Minute)},
	})

	conv, counted := d.RecordMessage(model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1", ReceiverID: "me",
		Content: "hey", CreatedAt: t0.Add(time.Hour),
	})
	if !counted || conv.UnreadCount != 1 {
		t.Errorf("counted=%v unread=%d, want true/1", counted, conv.UnreadCount)
	}
	if conv.LastMessage != "hey" || !conv.LastMessageAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("preview not updated: %+v", conv)
	}
	if diff := cmp.Diff([]string{"c1", "c2"}, convIDs(d.List())); diff != "" {
		t.Errorf("c1 should move to front (-want +got):\n%s", diff)
	}
}

func TestRecordInboundActiveNotCounted(t *testing.T) {
	d := New("me", nil, nil)
	d.Refresh([]model.Conversation{{ID: "c1", Participant: model.Participant{ID: "u1"}}})
	d.SetActive("c1")

	_, counted := d.RecordMessage(model.Message{ConversationID: "c1", SenderID: "u1", ReceiverID: "me", Content: "x"})
	if counted {
		t.Error("message in the active conversation must not count as unread")
	}
}

func TestRecordOutboundNotCounted(t *testing.T) {
	d := New("me", nil, nil)
	conv, counted := d.RecordMessage(model.Message{ConversationID: "c9", SenderID: "me", ReceiverID: "u9", Content: "out"})
	if counted {
		t.Error("outbound message must not count as unread")
	}
	if conv.Participant.ID != "u9" {
		t.Errorf("new conversation participant = %q, want u9", conv.Participant.ID)
	}
	if _, ok := d.Get("c9"); !ok {
		t.Error("conversation should be created on first exchange")
	}
}

func TestRecordLocatesByParticipant(t *testing.T) {
	d := New("me", nil, nil)
	d.Refresh([]model.Conversation{{ID: "c1", Participant: model.Participant{ID: "u1", Name: "Una"}}})

	conv, _ := d.RecordMessage(model.Message{SenderID: "u1", ReceiverID: "me", Content: "no conv id"})
	if conv.ID != "c1" || conv.Participant.Name != "Una" {
		t.Errorf("conv = %+v, want existing c1", conv)
	}
	if n := len(d.List()); n != 1 {
		t.Errorf("got %d conversations, want 1", n)
	}
}

func TestListOverlaysUnread(t *testing.T) {
	d := New("me", fixedUnread{"c1": 7}, nil)
	d.Refresh([]model.Conversation{{ID: "c1", UnreadCount: 2}, {ID: "c2", UnreadCount: 3}})

	got := map[string]int{}
	for _, c := range d.List() {
		got[c.ID] = c.UnreadCount
	}
	if got["c1"] != 7 || got["c2"] != 3 {
		t.Errorf("unread = %v, want c1=7 c2=3", got)
	}
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	got := Preview(model.Message{Content: "a" + strings.Repeat("é", 60)})
	if !utf8.ValidString(got) {
		t.Fatalf("Preview produced invalid UTF-8: %q", got)
	}
	if len(got) != 99 {
		t.Errorf("len = %d, want 99 (the last whole rune before the limit)", len(got))
	}
}

func TestPreviewAttachmentOnly(t *testing.T) {
	got := Preview(model.Message{Attachments: []model.Attachment{{Filename: "cat.png"}}})
	if got != "[attachment] cat.png" {
		t.Errorf("Preview = %q", got)
	}
}
