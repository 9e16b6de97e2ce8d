package fsm

import (
	"sync"

	"github.com/rendis/control/pkg/schema"
)

// Handler receives one event payload.
type Handler[E any] func(E)

// Observable is implemented by every type that delivers events to registered handlers.
// Delivery is synchronous: Emit returns only after every handler has returned.
type Observable[E any] interface {
	On(event string, h Handler[E]) (cancel func(), err error)
}

type registration[E any] struct {
	id uint64
	h  Handler[E]
}

// Emitter is a synchronous pub/sub hub keyed by event name.
// Handlers run in registration order on the emitting goroutine.
type Emitter[E any] struct {
	mu       sync.Mutex
	allowed  map[string]struct{}
	handlers map[string][]registration[E]
	seq      uint64
}

// NewEmitter creates an Emitter. When allowed is non-empty only those event
// names may be subscribed to.
func NewEmitter[E any](allowed ...string) *Emitter[E] {
	e := &Emitter[E]{handlers: make(map[string][]registration[E])}
	if len(allowed) > 0 {
		e.allowed = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			e.allowed[name] = struct{}{}
		}
	}
	return e
}

// On registers h for event. The returned cancel func removes the registration.
func (e *Emitter[E]) On(event string, h Handler[E]) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.allowed != nil {
		if _, ok := e.allowed[event]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownEvent, "unknown event %s", event)
		}
	}

	e.seq++
	id := e.seq
	e.handlers[event] = append(e.handlers[event], registration[E]{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { e.off(event, id) })
	}, nil
}

func (e *Emitter[E]) off(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.handlers[event]
	for i, r := range regs {
		if r.id == id {
			// Copy so an in-flight Emit keeps iterating its own snapshot.
			next := make([]registration[E], 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			e.handlers[event] = next
			return
		}
	}
}

// Emit delivers payload to every handler of event. It returns false when
// nobody is listening.
func (e *Emitter[E]) Emit(event string, payload E) bool {
	e.mu.Lock()
	regs := e.handlers[event]
	e.mu.Unlock()

	if len(regs) == 0 {
		return false
	}
	for _, r := range regs {
		r.h(payload)
	}
	return true
}

// Listeners returns the number of handlers registered for event.
func (e *Emitter[E]) Listeners(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}

// Clear drops every registration.
func (e *Emitter[E]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]registration[E])
}
