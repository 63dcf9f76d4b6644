package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// walkTo transitions the machine through the given states sequentially.
func walkTo(t *testing.T, m *Machine, states ...State) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
		to   State
	}{
		{nil, Connecting},
		{[]State{Connecting}, Connected},
		{[]State{Connecting}, Reconnecting},
		{[]State{Connecting}, Disconnected},
		{[]State{Connecting, Connected}, Reconnecting},
		{[]State{Connecting, Connected}, Disconnected},
		{[]State{Connecting, Connected, Reconnecting}, Connecting},
		{[]State{Connecting, Connected, Reconnecting}, Disconnected},
	}
	for _, tt := range tests {
		name := "->" + string(tt.to)
		if len(tt.path) > 0 {
			name = string(tt.path[len(tt.path)-1]) + name
		}
		t.Run(name, func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.path...)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s) error = %v", tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail; must go through CONNECTING")
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED (unchanged)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(10, "status.")
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status.changed")
	}
}

// TestReconnectCycle simulates a dropped connection being re-established.
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connecting, Connected, Reconnecting, Connecting, Connected)
	if !m.Is(Connected) {
		t.Errorf("state = %s, want CONNECTED", m.Current())
	}
	if m.Since().IsZero() {
		t.Error("Since() not recorded")
	}
}
