package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", "tok", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://example.com", "", nil, nil); err == nil {
		t.Error("expected error for non-http scheme")
	}
}

func TestFetchConversations(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "c1", "participant": map[string]string{"id": "u2", "name": "Bo"}, "unread_count": 1},
		})
	})
	c := newTestClient(t, r)

	got, err := c.FetchConversations(context.Background())
	if err != nil {
		t.Fatalf("FetchConversations: %v", err)
	}
	want := []model.Conversation{{ID: "c1", Participant: model.Participant{ID: "u2", Name: "Bo"}, UnreadCount: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchMessagesParams(t *testing.T) {
	var query string
	r := chi.NewRouter()
	r.Get("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"messages": []map[string]any{
			{"id": "m1", "sender_id": "u1", "receiver_id": "u2", "content": "a"},
		}})
	})
	c := newTestClient(t, r)

	msgs, err := c.FetchMessages(context.Background(), "c1", Params{Limit: 50, Before: "m9"})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if query != "before=m9&limit=50" {
		t.Errorf("query = %q", query)
	}
	if len(msgs) != 1 || msgs[0].ConversationID != "c1" {
		t.Errorf("messages = %+v, want conversation id filled in", msgs)
	}
}

func TestFetchErrorClassified(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/messages/unread", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
	})
	c := newTestClient(t, r)

	_, err := c.FetchUnread(context.Background())
	if !syncerr.Is(err, syncerr.CodeFetchError) {
		t.Errorf("err = %v, want FETCH_ERROR", err)
	}
}

func TestFetchMessagesWithUser(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/conversations/with/{user}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation": map[string]any{"id": "c5"},
			"messages":     []map[string]any{{"id": "m1", "sender_id": "me", "receiver_id": chi.URLParam(r, "user")}},
		})
	})
	c := newTestClient(t, r)

	conv, msgs, err := c.FetchMessagesWithUser(context.Background(), "u5")
	if err != nil {
		t.Fatalf("FetchMessagesWithUser: %v", err)
	}
	if conv.ID != "c5" || conv.Participant.ID != "u5" {
		t.Errorf("conv = %+v", conv)
	}
	if len(msgs) != 1 || msgs[0].ConversationID != "c5" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestSendMessageJSON(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/messages/{user}", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Content string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{"message": map[string]any{
			"id": "m1", "conversation_id": "c1", "sender_id": "me",
			"receiver_id": chi.URLParam(r, "user"), "content": body.Content,
		}})
	})
	c := newTestClient(t, r)

	msg, err := c.SendMessage(context.Background(), "u2", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != "m1" || msg.Content != "hello" || msg.ReceiverID != "u2" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestSendMessageMultipart(t *testing.T) {
	var names []string
	var sizes []int
	var content string
	r := chi.NewRouter()
	r.Post("/api/messages/{user}", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		content = r.FormValue("content")
		for _, fh := range r.MultipartForm.File["files"] {
			f, _ := fh.Open()
			data, _ := io.ReadAll(f)
			f.Close()
			names = append(names, fh.Filename)
			sizes = append(sizes, len(data))
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "m2", "conversation_id": "c1"})
	})
	c := newTestClient(t, r)

	files := []model.File{
		{Name: "a.txt", MimeType: "text/plain", Data: []byte("aaa")},
		{Name: "b.bin", Data: []byte("bbbbb")},
	}
	if _, err := c.SendMessage(context.Background(), "u2", "two files", files); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if content != "two files" {
		t.Errorf("content = %q", content)
	}
	if diff := cmp.Diff([]string{"a.txt", "b.bin"}, names); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 5}, sizes); diff != "" {
		t.Errorf("sizes (-want +got):\n%s", diff)
	}
}

func TestSendMessageRejected(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/messages/{user}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "blocked"})
	})
	c := newTestClient(t, r)

	_, err := c.SendMessage(context.Background(), "u2", "x", nil)
	if !syncerr.Is(err, syncerr.CodeSendRejected) {
		t.Errorf("err = %v, want SEND_REJECTED", err)
	}
	if !syncerr.Retryable(err) {
		t.Error("rejected sends stay retryable")
	}
}

func TestMarkReadSearchPresence(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/conversations/{id}/read", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"marked_count": 3})
	})
	r.Get("/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]string{{"id": "u1", "name": r.URL.Query().Get("q")}})
	})
	r.Get("/api/users/online", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"online": []string{"u1"}})
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	if n, err := c.MarkRead(ctx, "c1"); err != nil || n != 3 {
		t.Errorf("MarkRead = %d, %v", n, err)
	}
	cands, err := c.SearchUsers(ctx, "ann")
	if err != nil || len(cands) != 1 || cands[0].Name != "ann" {
		t.Errorf("SearchUsers = %+v, %v", cands, err)
	}
	pres, err := c.FetchPresence(ctx)
	if err != nil || len(pres) != 1 || !pres[0].Online {
		t.Errorf("FetchPresence = %+v, %v", pres, err)
	}
}
