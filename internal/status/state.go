package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Failed means the retry budget is exhausted. It is sticky until an
	// explicit reconnect request, so the UI can tell "gave up" apart from
	// a transient drop.
	Failed State = "FAILED"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected, Failed},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Connecting, Disconnected, Failed},
	Failed:       {Connecting},
}

// Machine tracks and enforces connection state transitions. Callers observe
// state here instead of receiving errors from the connection layer.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindStatusChanged,
			At:      time.Now(),
			Payload: Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for state change events.
type Change struct {
	From State
	To   State
}
