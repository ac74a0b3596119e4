package realtime

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
)

// State is a realtime channel's connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed channel state transitions.
// Disconnected is re-entered only on explicit teardown.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// ChannelState is the externally visible snapshot of a channel.
type ChannelState struct {
	State     State  `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

// machine tracks and enforces one channel's state transitions.
type machine struct {
	mu      sync.RWMutex
	channel string
	current State
	lastErr string
	bus     *bus.Bus
}

func newMachine(channel string, b *bus.Bus) *machine {
	return &machine{
		channel: channel,
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state snapshot.
func (m *machine) Current() ChannelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ChannelState{State: m.current, LastError: m.lastErr}
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *machine) Transition(to State, cause error) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if cause != nil {
		m.lastErr = cause.Error()
	} else if to == Connected {
		m.lastErr = ""
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.channel_state",
			Timestamp: time.Now(),
			Payload: StateChange{
				Channel: m.channel,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}

// StateChange is the payload for channel state events.
type StateChange struct {
	Channel string
	From    State
	To      State
}
