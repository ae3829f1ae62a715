package pubsub

import "sync"

// MessageEvent is a message received on a subscribed channel.
type MessageEvent struct {
	Channel   string
	Publisher string
	Timetoken string
	Payload   Payload
}

// SignalEvent is an ephemeral signal, used for typing indicators.
type SignalEvent struct {
	Channel   string
	Publisher string
	Timetoken string
	Payload   map[string]any
}

// ActionEvent reports a message action added to or removed from a message.
type ActionEvent struct {
	Channel          string
	Publisher        string
	Event            string // "added" or "removed"
	MessageTimetoken string
	Action           Action
}

// Category classifies a StatusEvent.
type Category string

const (
	Connected    Category = "connected"
	Reconnected  Category = "reconnected"
	Disconnected Category = "disconnected"
	AccessDenied Category = "access_denied"
)

// StatusEvent reports a change of the subscribe connection.
type StatusEvent struct {
	Category Category
	Channels []string
	Err      error
}

// Listener receives provider events. Nil callbacks are skipped. Callbacks
// run on the client's delivery goroutine and must not block for long.
type Listener struct {
	Message func(MessageEvent)
	Signal  func(SignalEvent)
	Action  func(ActionEvent)
	Status  func(StatusEvent)
}

// Listeners is a registry that fans events out to listeners, for Client
// implementations.
type Listeners struct {
	mu  sync.RWMutex
	set []*Listener
}

func (ls *Listeners) Add(l *Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, have := range ls.set {
		if have == l {
			return
		}
	}
	ls.set = append(ls.set, l)
}

func (ls *Listeners) Remove(l *Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, have := range ls.set {
		if have == l {
			ls.set = append(ls.set[:i:i], ls.set[i+1:]...)
			return
		}
	}
}

func (ls *Listeners) snapshot() []*Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return append([]*Listener(nil), ls.set...)
}

func (ls *Listeners) EmitMessage(e MessageEvent) {
	for _, l := range ls.snapshot() {
		if l.Message != nil {
			l.Message(e)
		}
	}
}

func (ls *Listeners) EmitSignal(e SignalEvent) {
	for _, l := range ls.snapshot() {
		if l.Signal != nil {
			l.Signal(e)
		}
	}
}

func (ls *Listeners) EmitAction(e ActionEvent) {
	for _, l := range ls.snapshot() {
		if l.Action != nil {
			l.Action(e)
		}
	}
}

func (ls *Listeners) EmitStatus(e StatusEvent) {
	for _, l := range ls.snapshot() {
		if l.Status != nil {
			l.Status(e)
		}
	}
}
