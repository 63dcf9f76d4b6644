package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/matheus3301/chatsync/internal/model"
)

func TestMessageCasingAndTime(t *testing.T) {
	snake := `{"id":"m1","conversation_id":"c1","sender_id":"u1","receiver_id":"u2","content":"hi","created_at":"2026-03-01T12:00:00Z","attachments":[{"filename":"a.png","url":"/f/a.png","size":10}]}`
	camel := `{"_id":"m1","conversationId":"c1","senderId":"u1","receiverId":"u2","content":"hi","createdAt":1772366400000,"attachments":[{"fileName":"a.png","path":"/f/a.png","size":10}]}`

	want := model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2", Content: "hi",
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Attachments: []model.Attachment{{Filename: "a.png", URL: "/f/a.png", Size: 10}},
	}
	for name, doc := range map[string]string{"snake": snake, "camel": camel} {
		got, err := Message(gjson.Parse(doc))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestMessageRequiredFields(t *testing.T) {
	cases := map[string]string{
		"no id":           `{"conversation_id":"c1","sender_id":"u1","receiver_id":"u2"}`,
		"no conversation": `{"id":"m1","sender_id":"u1"}`,
		"not object":      `"hello"`,
	}
	for name, doc := range cases {
		if _, err := Message(gjson.Parse(doc)); !errors.Is(err, ErrMissingField) {
			t.Errorf("%s: err = %v, want ErrMissingField", name, err)
		}
	}

	// A sender/receiver pair is enough to locate the conversation later.
	if _, err := Message(gjson.Parse(`{"id":"m1","sender_id":"u1","receiver_id":"u2"}`)); err != nil {
		t.Errorf("pair without conversation id: %v", err)
	}
}

func TestMessagesWrapped(t *testing.T) {
	got, err := Messages(gjson.Parse(`{"messages":[{"id":"a","conversation_id":"c"},{"id":"b","conversation_id":"c"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ID != "b" {
		t.Errorf("got %+v", got)
	}
}

func TestConversationShapes(t *testing.T) {
	nested := `{"id":"c1","participant":{"id":"u2","name":"Bo"},"last_message":{"content":"yo","created_at":"2026-03-01T12:00:00Z"},"unread_count":2}`
	flat := `{"id":"c1","participantId":"u2","participantName":"Bo","lastMessage":"yo","lastMessageTime":"2026-03-01T12:00:00Z","unreadCount":2}`

	want := model.Conversation{
		ID: "c1", Participant: model.Participant{ID: "u2", Name: "Bo"},
		LastMessage: "yo", LastMessageAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), UnreadCount: 2,
	}
	for name, doc := range map[string]string{"nested": nested, "flat": flat} {
		got, err := Conversation(gjson.Parse(doc))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestPresenceShapes(t *testing.T) {
	list := Presence(gjson.Parse(`[{"user_id":"a","online":true},{"userId":"b","online":false},{"id":"c","status":"online"}]`))
	want := []model.PresenceEntry{{UserID: "a", Online: true}, {UserID: "b"}, {UserID: "c", Online: true}}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	ids := Presence(gjson.Parse(`{"online":["x",7]}`))
	want = []model.PresenceEntry{{UserID: "x", Online: true}, {UserID: "7", Online: true}}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestUnreadShapes(t *testing.T) {
	obj := Unread(gjson.Parse(`{"total":5,"per_conversation":{"a":3,"b":2}}`))
	if diff := cmp.Diff(model.UnreadSummary{Total: 5, PerConversation: map[string]int{"a": 3, "b": 2}}, obj); diff != "" {
		t.Errorf("object mismatch (-want +got):\n%s", diff)
	}

	arr := Unread(gjson.Parse(`{"conversations":[{"conversationId":"a","count":1},{"conversation_id":"b","unread_count":4}]}`))
	if diff := cmp.Diff(model.UnreadSummary{Total: 5, PerConversation: map[string]int{"a": 1, "b": 4}}, arr); diff != "" {
		t.Errorf("array mismatch (-want +got):\n%s", diff)
	}

	totalOnly := Unread(gjson.Parse(`{"totalUnread":9}`))
	if totalOnly.Total != 9 || totalOnly.PerConversation != nil {
		t.Errorf("total only = %+v", totalOnly)
	}
}

func TestCandidates(t *testing.T) {
	got := Candidates(gjson.Parse(`{"users":[{"id":"u1","username":"ann"},{"name":"no id"}]}`))
	if diff := cmp.Diff([]model.Candidate{{ID: "u1", Name: "ann"}}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
