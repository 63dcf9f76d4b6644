package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

type frame struct {
	Type string            `json:"type"`
	ID   string            `json:"id"`
	Data map[string]string `json:"data"`
}

// newPushServer starts a websocket server running handle for every
// connection and returns its ws:// URL.
func newPushServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handle(r.Context(), conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain reads until the client goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func waitKind(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
			return bus.Event{}
		}
	}
}

func TestConnectPublishesInboundEvents(t *testing.T) {
	var auth atomic.Value
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","data":{"id":"m1","conversation_id":"c1","sender_id":"u2","receiver_id":"me","content":"hi"}}`))
		drain(ctx, conn)
	})

	b := bus.New()
	events, unsub := b.Subscribe(16, "push.")
	defer unsub()

	ch := NewWSChannel(Options{URL: url, Token: "secret"}, b, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	waitKind(t, events, "push.connected")
	evt := waitKind(t, events, "push.message").Payload.(Event)
	if evt.Message.ID != "m1" || evt.Message.Content != "hi" {
		t.Errorf("message = %+v", evt.Message)
	}
	if got := auth.Load(); got != "Bearer secret" {
		t.Errorf("Authorization = %v", got)
	}
	if !ch.Connected() || !ch.Status().Is(status.Connected) {
		t.Errorf("state = %s, want CONNECTED", ch.Status().Current())
	}
}

func TestSendAcknowledged(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			reply := map[string]any{
				"type": "ack",
				"id":   f.ID,
				"data": map[string]any{"message": map[string]any{
					"id": "m9", "conversation_id": "c1", "sender_id": "me",
					"receiver_id": f.Data["receiver_id"], "content": f.Data["content"],
					"created_at": "2026-03-01T12:00:00Z",
				}},
			}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	})

	ch := NewWSChannel(Options{URL: url}, nil, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	msg, err := ch.Send(context.Background(), Outgoing{TempID: "tmp-1", ReceiverID: "u2", Content: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID != "m9" || msg.ReceiverID != "u2" || msg.Content != "hello" {
		t.Errorf("confirmed = %+v", msg)
	}
}

func TestSendTimeout(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		drain(ctx, conn)
	})

	ch := NewWSChannel(Options{URL: url, AckTimeout: 100 * time.Millisecond}, nil, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	start := time.Now()
	_, err := ch.Send(context.Background(), Outgoing{TempID: "tmp-1", ReceiverID: "u2", Content: "hello"})
	if !syncerr.Is(err, syncerr.CodeSendTimeout) {
		t.Fatalf("err = %v, want SEND_TIMEOUT", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("send took %v, should be bounded by the ack timeout", elapsed)
	}
}

func TestSendErrorFrameRejected(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, map[string]string{"type": "error", "id": f.ID, "error": "blocked"})
		drain(ctx, conn)
	})

	ch := NewWSChannel(Options{URL: url}, nil, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	_, err := ch.Send(context.Background(), Outgoing{TempID: "tmp-1", ReceiverID: "u2", Content: "x"})
	if !syncerr.Is(err, syncerr.CodeSendRejected) {
		t.Errorf("err = %v, want SEND_REJECTED", err)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ch := NewWSChannel(Options{URL: "ws://127.0.0.1:1"}, nil, nil, nil)
	_, err := ch.Send(context.Background(), Outgoing{Content: "x"})
	if !errors.Is(err, syncerr.ErrTransportUnavailable) {
		t.Errorf("err = %v, want ErrTransportUnavailable", err)
	}
	if _, err := ch.MarkRead(context.Background(), "c1"); !errors.Is(err, syncerr.ErrTransportUnavailable) {
		t.Errorf("MarkRead err = %v, want ErrTransportUnavailable", err)
	}
}

func TestMarkReadCount(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		if f.Type != "mark_read" || f.Data["conversation_id"] != "c7" {
			return
		}
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "ack", "id": f.ID, "data": map[string]int{"markedCount": 4}})
		drain(ctx, conn)
	})

	ch := NewWSChannel(Options{URL: url}, nil, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	n, err := ch.MarkRead(context.Background(), "c7")
	if err != nil || n != 4 {
		t.Errorf("MarkRead = %d, %v; want 4, nil", n, err)
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		if conns.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		drain(ctx, conn)
	})

	b := bus.New()
	events, unsub := b.Subscribe(16, "push.")
	defer unsub()

	ch := NewWSChannel(Options{URL: url, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond}, b, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Disconnect()

	waitKind(t, events, "push.connected")
	waitKind(t, events, "push.disconnected")
	waitKind(t, events, "push.connected")
	if n := conns.Load(); n < 2 {
		t.Errorf("server saw %d connections, want at least 2", n)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	url := newPushServer(t, func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		drain(ctx, conn)
	})
	ch := NewWSChannel(Options{URL: url}, nil, nil, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch.Disconnect()
	ch.Disconnect()

	if ch.Connected() {
		t.Error("still connected after Disconnect")
	}
	if !ch.Status().Is(status.Disconnected) {
		t.Errorf("state = %s, want DISCONNECTED", ch.Status().Current())
	}
}
