package gas

import (
	"sync"

	"golang.org/x/xerrors"
)

// Resend is returned by handlers whose pin attempt failed because the target
// block is not available right now. The runtime re-enqueues the parcel for
// another delivery attempt against the same target.
var Resend = xerrors.New("target busy, resend action")

// Message is implemented by the argument record of an action. Every action
// defines exactly one message type with an explicit layout; payloads are
// never reinterpreted from raw bytes.
type Message interface {
	// Type returns the type of this Message.
	Type() string
}

// Action names a registered remotely-invokable handler.
type Action uint32

// Handler is the body of an action. It runs as a task on the locality that
// owns target. The returned value, if any, is delivered through the parcel's
// continuation LCO. Returning Resend re-enqueues the parcel.
type Handler func(t *Task, target Addr, msg Message) (interface{}, error)

// actionRegistry maps action IDs to handlers. Registration happens as
// components are wired up and may overlap parcel traffic; lookups are
// read-mostly.
type actionRegistry struct {
	mu       sync.RWMutex
	nextID   Action
	handlers map[Action]Handler
	names    map[Action]string
}

func newActionRegistry() *actionRegistry {
	return &actionRegistry{
		nextID:   1,
		handlers: make(map[Action]Handler),
		names:    make(map[Action]string),
	}
}

func (r *actionRegistry) register(name string, h Handler) Action {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	r.names[id] = name
	r.mu.Unlock()
	return id
}

func (r *actionRegistry) lookup(id Action) (Handler, string) {
	r.mu.RLock()
	h, name := r.handlers[id], r.names[id]
	r.mu.RUnlock()
	return h, name
}
