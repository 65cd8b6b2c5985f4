package microtask

import (
	"sync"
)

// Event types dispatched by a scheduler's [EventTarget].
const (
	// EventUnhandledRejection fires when a promise is rejected and no failure
	// handler is attached by the end of the microtask drain cycle. The event
	// is cancelable; [Event.PreventDefault] suppresses the scheduler's default
	// diagnostic log line.
	EventUnhandledRejection = "unhandledrejection"

	// EventRejectionHandled fires when a failure handler is attached to a
	// promise that was previously reported via [EventUnhandledRejection].
	EventRejectionHandled = "rejectionhandled"
)

// EventListenerFunc is a callback for [EventTarget.AddEventListener].
// The callback receives the dispatched [Event] and can inspect its state or
// call [Event.PreventDefault].
type EventListenerFunc func(event *Event)

// ListenerID uniquely identifies a registered listener. Go functions cannot
// be compared for equality, so removal goes through the ID.
type ListenerID uint64

// listenerEntry pairs a listener with its ID for removal.
type listenerEntry struct {
	listener EventListenerFunc
	id       ListenerID
	once     bool // remove after first dispatch
}

// Event is a rejection notification dispatched by [EventTarget.DispatchEvent].
//
// Thread Safety: an Event is NOT safe for concurrent access; it should only
// be used from the goroutine that dispatched it (the scheduler goroutine for
// the built-in rejection events).
type Event struct {
	// Type is the event name, e.g. [EventUnhandledRejection].
	Type string

	// Target is the EventTarget the event was dispatched on.
	Target *EventTarget

	// Promise is the deferred value this notification concerns.
	Promise *Promise

	// Reason is the rejection reason of Promise.
	Reason Result

	// Cancelable indicates whether PreventDefault has any effect.
	Cancelable bool

	// DefaultPrevented is true once PreventDefault has been called on a
	// cancelable event.
	DefaultPrevented bool

	immediateStopped bool
}

// PreventDefault cancels the default action associated with the event.
// For [EventUnhandledRejection] the default action is the scheduler's
// diagnostic log line. Only effective when Cancelable is true.
func (e *Event) PreventDefault() {
	if e.Cancelable {
		e.DefaultPrevented = true
	}
}

// StopImmediatePropagation prevents any further listeners from seeing this
// event.
func (e *Event) StopImmediatePropagation() {
	e.immediateStopped = true
}

// EventTarget is the observer surface for process-wide rejection
// notifications. Hosts register listeners for [EventUnhandledRejection] and
// [EventRejectionHandled] with an explicit register/unregister lifecycle.
//
// Thread Safety: safe for concurrent use; listener invocation happens
// synchronously in DispatchEvent's calling goroutine.
type EventTarget struct {
	listeners      map[string][]listenerEntry
	nextListenerID ListenerID
	mu             sync.RWMutex
}

// NewEventTarget creates an EventTarget with no listeners.
func NewEventTarget() *EventTarget {
	return &EventTarget{
		listeners:      make(map[string][]listenerEntry),
		nextListenerID: 1,
	}
}

// AddEventListener registers a listener for the given event type and returns
// an ID for removal. A nil listener returns 0 without registering.
func (et *EventTarget) AddEventListener(eventType string, listener EventListenerFunc) ListenerID {
	return et.addListener(eventType, listener, false)
}

// AddEventListenerOnce registers a listener that is removed after its first
// dispatch.
func (et *EventTarget) AddEventListenerOnce(eventType string, listener EventListenerFunc) ListenerID {
	return et.addListener(eventType, listener, true)
}

func (et *EventTarget) addListener(eventType string, listener EventListenerFunc, once bool) ListenerID {
	if listener == nil {
		return 0
	}

	et.mu.Lock()
	defer et.mu.Unlock()

	id := et.nextListenerID
	et.nextListenerID++

	et.listeners[eventType] = append(et.listeners[eventType], listenerEntry{
		listener: listener,
		id:       id,
		once:     once,
	})
	return id
}

// RemoveEventListener unregisters a listener by its ID.
// Returns true if a listener was removed.
func (et *EventTarget) RemoveEventListener(eventType string, id ListenerID) bool {
	et.mu.Lock()
	defer et.mu.Unlock()

	entries, ok := et.listeners[eventType]
	if !ok {
		return false
	}

	for i, entry := range entries {
		if entry.id == id {
			et.listeners[eventType] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}

	return false
}

// RemoveAllEventListeners removes all listeners for the given event type, or
// every listener when eventType is empty.
func (et *EventTarget) RemoveAllEventListeners(eventType string) {
	et.mu.Lock()
	defer et.mu.Unlock()

	if eventType == "" {
		et.listeners = make(map[string][]listenerEntry)
	} else {
		delete(et.listeners, eventType)
	}
}

// HasEventListeners returns true if any listener is registered for the type.
func (et *EventTarget) HasEventListeners(eventType string) bool {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return len(et.listeners[eventType]) > 0
}

// ListenerCount returns the number of listeners for the event type.
func (et *EventTarget) ListenerCount(eventType string) int {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return len(et.listeners[eventType])
}

// DispatchEvent invokes every listener registered for event.Type in
// registration order. Returns true unless the event is cancelable and a
// listener called PreventDefault.
func (et *EventTarget) DispatchEvent(event *Event) bool {
	if event == nil {
		return true
	}

	event.Target = et

	// Copy entries so listeners can mutate registration during dispatch.
	et.mu.RLock()
	entries := make([]listenerEntry, len(et.listeners[event.Type]))
	copy(entries, et.listeners[event.Type])
	et.mu.RUnlock()

	var removeIDs []ListenerID

	for _, entry := range entries {
		if event.immediateStopped {
			break
		}

		entry.listener(event)

		if entry.once {
			removeIDs = append(removeIDs, entry.id)
		}
	}

	for _, id := range removeIDs {
		et.RemoveEventListener(event.Type, id)
	}

	return !event.Cancelable || !event.DefaultPrevented
}
