package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/inboxsync/internal/bus"
)

// State is the realtime transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// EventStatusChanged is published on every accepted transition.
const EventStatusChanged = "transport.status_changed"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Disconnected, Closed},
	Connected:    {Reconnecting, Disconnected, Closed},
	Reconnecting: {Connecting, Disconnected, Closed},
	Closed:       {Connecting},
}

// Machine tracks and enforces transport connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(EventStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
