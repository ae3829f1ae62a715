package store

import (
	"sync"

	"github.com/matheus3301/posync/internal/model"
)

// Change describes one committed mutation.
type Change struct {
	Schema  model.Schema
	Key     string
	Deleted bool
}

// Listener receives committed changes. It is called synchronously after the
// commit and must not block.
type Listener func(changes []Change)

// ListenerID identifies a registered listener.
type ListenerID uint64

// Listeners is a listener registry for store backends.
type Listeners struct {
	mu   sync.RWMutex
	next ListenerID
	fns  map[ListenerID]Listener
}

// Add registers fn and returns its id.
func (l *Listeners) Add(fn Listener) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[ListenerID]Listener)
	}
	l.next++
	l.fns[l.next] = fn
	return l.next
}

// Remove unregisters id. Unknown ids are ignored.
func (l *Listeners) Remove(id ListenerID) {
	l.mu.Lock()
	delete(l.fns, id)
	l.mu.Unlock()
}

// Notify calls every listener with changes. Empty batches are dropped.
func (l *Listeners) Notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(changes)
	}
}
