// ABOUTME: Named-event emitter with ordered synchronous handlers
// ABOUTME: Each owner holds its own Emitter; there is no global dispatcher
package events

import "sync"

// Handler receives the payload of an emitted event
type Handler func(payload any)

type subscription struct {
	id uint64
	fn Handler
}

// Emitter maps event names to handlers invoked in registration order.
// The zero value is ready to use.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
}

// New creates an empty emitter
func New() *Emitter {
	return &Emitter{}
}

// On registers fn for event and returns an id usable with Off
func (e *Emitter) On(event string, fn Handler) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]subscription)
	}
	e.nextID++
	e.handlers[event] = append(e.handlers[event], subscription{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes the handler registered under id. It reports whether one was removed.
func (e *Emitter) Off(event string, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.handlers[event]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// copy so that snapshots held by an in-progress Emit stay intact
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(e.handlers, event)
		} else {
			e.handlers[event] = next
		}
		return true
	}
	return false
}

// Emit calls every handler of event with payload, synchronously and in order.
// Handlers may call On/Off; changes apply to the next Emit.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	subs := e.handlers[event]
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}

// Count returns the number of handlers registered for event
func (e *Emitter) Count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
