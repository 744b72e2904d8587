package norm

import (
	"context"
	"reflect"
	"sync"
)

// Event identifies a model lifecycle event.
type Event string

const (
	EventCreating  Event = "creating"
	EventCreated   Event = "created"
	EventUpdating  Event = "updating"
	EventUpdated   Event = "updated"
	EventSaving    Event = "saving"
	EventSaved     Event = "saved"
	EventDeleting  Event = "deleting"
	EventDeleted   Event = "deleted"
	EventRestoring Event = "restoring"
	EventRestored  Event = "restored"
)

// preEvents are the events whose listeners can cancel the operation by
// returning false. Post-event return values are ignored.
var preEvents = map[Event]bool{
	EventCreating:  true,
	EventUpdating:  true,
	EventSaving:    true,
	EventDeleting:  true,
	EventRestoring: true,
}

// IsPreEvent reports whether listeners for the event can veto the operation.
func IsPreEvent(e Event) bool {
	return preEvents[e]
}

type listenerEntry struct {
	id int
	fn any // func(context.Context, *T) bool
}

// EventRegistry stores model event listeners keyed by model type and event.
type EventRegistry struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[reflect.Type]map[Event][]listenerEntry
}

func newEventRegistry() *EventRegistry {
	return &EventRegistry{
		listeners: make(map[reflect.Type]map[Event][]listenerEntry),
	}
}

// On registers a listener for a lifecycle event on model T. For pre events
// (creating, updating, saving, deleting, restoring) a false return cancels
// the operation: nothing is persisted and the corresponding post event does
// not fire. The returned id can be passed to Off.
func On[T any](reg *Registry, event Event, fn func(ctx context.Context, entity *T) bool) int {
	typ := modelTypeOf[T]()
	er := reg.events

	er.mu.Lock()
	defer er.mu.Unlock()

	er.nextID++
	id := er.nextID

	if er.listeners[typ] == nil {
		er.listeners[typ] = make(map[Event][]listenerEntry)
	}
	er.listeners[typ][event] = append(er.listeners[typ][event], listenerEntry{id: id, fn: fn})
	return id
}

// Off removes a listener previously registered with On.
func Off[T any](reg *Registry, event Event, id int) {
	typ := modelTypeOf[T]()
	er := reg.events

	er.mu.Lock()
	defer er.mu.Unlock()

	entries := er.listeners[typ][event]
	for i, e := range entries {
		if e.id == id {
			er.listeners[typ][event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// ClearListeners removes every listener for model T.
func ClearListeners[T any](reg *Registry) {
	typ := modelTypeOf[T]()
	er := reg.events

	er.mu.Lock()
	defer er.mu.Unlock()
	delete(er.listeners, typ)
}

func (er *EventRegistry) listenersFor(typ reflect.Type, event Event) []listenerEntry {
	er.mu.RLock()
	defer er.mu.RUnlock()
	return er.listeners[typ][event]
}

// fireEvent runs listeners for the event in registration order. It returns
// false when a pre-event listener vetoes the operation.
func fireEvent[T any](reg *Registry, ctx context.Context, event Event, entity *T) bool {
	if reg == nil {
		return true
	}

	typ := modelTypeOf[T]()
	pre := IsPreEvent(event)

	for _, e := range reg.events.listenersFor(typ, event) {
		fn, ok := e.fn.(func(context.Context, *T) bool)
		if !ok {
			continue
		}
		if !fn(ctx, entity) && pre {
			return false
		}
	}
	return true
}
