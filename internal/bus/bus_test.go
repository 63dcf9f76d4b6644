package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "push.")
	defer unsub()

	b.Emit(KindPushConnected, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindPushConnected {
			t.Errorf("got kind %q, want %s", evt.Kind, KindPushConnected)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "timeline.")
	defer unsub()

	b.Publish(Event{Kind: KindUnreadUpdated})
	b.Publish(Event{Kind: KindTimelineUpdated})

	select {
	case evt := <-ch:
		if evt.Kind != KindTimelineUpdated {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTimelineUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The unread event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleNamespaces(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "message.", "unread.")
	defer unsub()

	b.Emit(KindMessageSendAck, nil)
	b.Emit(KindPresenceUpdated, nil)
	b.Emit(KindUnreadUpdated, nil)

	got := []string{(<-ch).Kind, (<-ch).Kind}
	if got[0] != KindMessageSendAck || got[1] != KindUnreadUpdated {
		t.Errorf("got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "push.")
	unsub()
	unsub()

	b.Emit(KindPushMessage, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1, "test.")
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Emit("anything", nil)
}
