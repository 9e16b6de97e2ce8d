// Package fsm provides the transition-guarded state holder shared by every
// stateful entity: nodes, pooled workers and worker runtimes.
package fsm

import (
	"fmt"
	"sync"

	"github.com/rendis/control/pkg/schema"
)

// Event names emitted by every Machine.
const (
	EventStateChanged = "state_changed"
	EventStateReset   = "state_reset"
)

// Guard accepts or rejects the payload of a transition.
type Guard func(data any) bool

// Transition is one allowed next state, optionally guarded.
type Transition[S comparable] struct {
	To    S
	Guard Guard
}

// Table maps a state to its allowed next states.
type Table[S comparable] map[S][]Transition[S]

// To is shorthand for a list of unguarded transitions.
func To[S comparable](states ...S) []Transition[S] {
	out := make([]Transition[S], len(states))
	for i, s := range states {
		out[i] = Transition[S]{To: s}
	}
	return out
}

// Definition is the static description of a state machine type.
type Definition[S comparable] struct {
	Transitions Table[S]
	// MetaStates are reachable from any state without a transition check.
	MetaStates []S
	// Events is the allow-list of event names. The state events are always allowed.
	Events []string
}

// Change is the payload of state_changed and state_reset.
type Change[S comparable] struct {
	From    S
	To      S
	HadFrom bool
	Target  any
}

// Machine holds one state and enforces Definition on every change.
type Machine[S comparable] struct {
	mu       sync.Mutex
	def      *Definition[S]
	meta     map[S]struct{}
	state    S
	hasState bool
	target   any

	*Emitter[Change[S]]
}

// Option configures a Machine.
type Option[S comparable] func(*Machine[S])

// WithInitial sets the initial state without emitting.
func WithInitial[S comparable](s S) Option[S] {
	return func(m *Machine[S]) {
		m.state = s
		m.hasState = true
	}
}

// WithTarget sets the value reported as Change.Target, usually the owning entity.
func WithTarget[S comparable](target any) Option[S] {
	return func(m *Machine[S]) {
		m.target = target
	}
}

// New creates a Machine for def.
func New[S comparable](def *Definition[S], opts ...Option[S]) *Machine[S] {
	events := append([]string{EventStateChanged, EventStateReset}, def.Events...)
	m := &Machine[S]{
		def:     def,
		meta:    make(map[S]struct{}, len(def.MetaStates)),
		Emitter: NewEmitter[Change[S]](events...),
	}
	for _, s := range def.MetaStates {
		m.meta[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.target == nil {
		m.target = m
	}
	return m
}

// State returns the current state.
func (m *Machine[S]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasState reports whether any state has been set yet.
func (m *Machine[S]) HasState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasState
}

// IsOver reports whether the current state has no outgoing transitions.
func (m *Machine[S]) IsOver() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.def.Transitions[m.state]) == 0
}

// To attempts a transition to next. It fails with INVALID_TRANSITION when no
// path exists and with TRANSITION_REJECTED when a guard refuses data.
func (m *Machine[S]) To(next S, data any) (S, error) {
	m.mu.Lock()
	if err := m.check(next, data); err != nil {
		m.mu.Unlock()
		return m.state, err
	}
	change := m.apply(next)
	m.mu.Unlock()

	m.Emit(EventStateChanged, change)
	return next, nil
}

func (m *Machine[S]) check(next S, data any) error {
	if _, ok := m.meta[next]; ok || !m.hasState {
		return nil
	}

	allowed := m.def.Transitions[m.state]
	if len(allowed) == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no transition from %v", m.state).
			WithDetails(map[string]any{"from": fmt.Sprint(m.state), "to": fmt.Sprint(next)})
	}

	for _, t := range allowed {
		if t.To != next {
			continue
		}
		if t.Guard != nil && !t.Guard(data) {
			return schema.NewErrorf(schema.ErrCodeTransitionRejected,
				"transition from %v to %v does not match guard", m.state, next).
				WithDetails(map[string]any{"from": fmt.Sprint(m.state), "to": fmt.Sprint(next)})
		}
		return nil
	}

	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"transition to state %v is not allowed from current state: %v", next, m.state).
		WithDetails(map[string]any{"from": fmt.Sprint(m.state), "to": fmt.Sprint(next)})
}

// apply must be called with mu held.
func (m *Machine[S]) apply(next S) Change[S] {
	change := Change[S]{From: m.state, To: next, HadFrom: m.hasState, Target: m.target}
	m.state = next
	m.hasState = true
	return change
}

// Reset sets the state unconditionally and emits state_reset.
func (m *Machine[S]) Reset(s S) {
	m.mu.Lock()
	change := m.apply(s)
	m.mu.Unlock()

	m.Emit(EventStateReset, change)
}

// ResetIf resets to s only when pred accepts the current state. The check and
// the assignment happen atomically.
func (m *Machine[S]) ResetIf(pred func(S) bool, s S) bool {
	m.mu.Lock()
	if !pred(m.state) {
		m.mu.Unlock()
		return false
	}
	change := m.apply(s)
	m.mu.Unlock()

	m.Emit(EventStateReset, change)
	return true
}

// ResetAndTo resets to s and then transitions to next when pred accepts the
// current state, all under one lock, so two callers can never both claim the
// same state. It reports false without changing anything when pred refuses.
// When next is not reachable from s the machine is left in s.
func (m *Machine[S]) ResetAndTo(pred func(S) bool, s, next S, data any) (bool, error) {
	m.mu.Lock()
	if !pred(m.state) {
		m.mu.Unlock()
		return false, nil
	}
	reset := m.apply(s)
	if err := m.check(next, data); err != nil {
		m.mu.Unlock()
		m.Emit(EventStateReset, reset)
		return true, err
	}
	change := m.apply(next)
	m.mu.Unlock()

	m.Emit(EventStateReset, reset)
	m.Emit(EventStateChanged, change)
	return true, nil
}
