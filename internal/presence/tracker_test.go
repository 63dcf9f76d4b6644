package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

func TestRefreshReplacesSet(t *testing.T) {
	lists := [][]model.PresenceEntry{
		{{UserID: "a", Online: true}, {UserID: "b", Online: true}, {UserID: "c", Online: false}},
		{{UserID: "c", Online: true}},
	}
	call := 0
	tr := NewTracker(func(context.Context) ([]model.PresenceEntry, error) {
		l := lists[call]
		call++
		return l, nil
	}, nil, nil)

	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, tr.Online()); diff != "" {
		t.Errorf("online mismatch (-want +got):\n%s", diff)
	}

	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tr.IsOnline("a") || !tr.IsOnline("c") {
		t.Errorf("set not replaced wholesale: %v", tr.Online())
	}
}

func TestRefreshErrorKeepsPreviousSet(t *testing.T) {
	fail := false
	tr := NewTracker(func(context.Context) ([]model.PresenceEntry, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []model.PresenceEntry{{UserID: "a", Online: true}}, nil
	}, nil, nil)

	_ = tr.Refresh(context.Background())
	fail = true
	if err := tr.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if !tr.IsOnline("a") {
		t.Error("previous set should be kept after a failed refresh")
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	tr := NewTracker(func(context.Context) ([]model.PresenceEntry, error) {
		calls.Add(1)
		<-release
		return nil, nil
	}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Refresh(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
}

func TestApplyPublishes(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(4, "presence.")
	defer unsub()

	tr := NewTracker(nil, b, nil)
	tr.Apply([]model.PresenceEntry{{UserID: "z", Online: true}})

	select {
	case evt := <-ch:
		if diff := cmp.Diff([]string{"z"}, evt.Payload); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence.updated")
	}
}
