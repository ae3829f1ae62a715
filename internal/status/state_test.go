package status

import (
	"testing"

	"github.com/matheus3301/posync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, AuthRequired},
		{Booting, Offline},
		{Booting, Connecting},
		{Offline, Connecting},
		{Connecting, Restoring},
		{Restoring, Ready},
		{Restoring, Degraded},
		{Ready, Restoring},
		{Ready, Reconnecting},
		{Reconnecting, Connecting},
		{Degraded, Restoring},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(AuthRequired); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != AuthRequired {
		t.Errorf("change = %v -> %v, want BOOTING -> AUTH_REQUIRED", change.From, change.To)
	}
}

// TestOfflineCannotRestore verifies that a local-only daemon must connect
// before restoring history.
func TestOfflineCannotRestore(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Offline)

	if err := m.Transition(Restoring); err == nil {
		t.Fatal("Transition(OFFLINE -> RESTORING) should fail")
	}
	if m.Online() {
		t.Error("Online() = true while offline")
	}
}

// TestReconnectCycle verifies the reconnect loop:
// READY → RECONNECTING → CONNECTING → RESTORING → READY
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	for _, s := range []State{Reconnecting, Connecting, Restoring, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Online() {
		t.Error("Online() = false in READY")
	}
}

// TestExpiredTokenFromReady verifies that an expired API token moves a
// running session to AUTH_REQUIRED.
func TestExpiredTokenFromReady(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)
	before := m.Since()

	if err := m.Transition(AuthRequired); err != nil {
		t.Fatalf("READY -> AUTH_REQUIRED: %v", err)
	}
	if m.Since().Before(before) {
		t.Error("Since() went backwards")
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		AuthRequired: {AuthRequired},
		Offline:      {Offline},
		Connecting:   {Connecting},
		Restoring:    {Connecting, Restoring},
		Ready:        {Connecting, Restoring, Ready},
		Reconnecting: {Connecting, Restoring, Ready, Reconnecting},
		Degraded:     {Connecting, Restoring, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
