package call

import (
	"log/slog"
	"sync"
)

// transitions maps (current state, event) to the next state. Pairs absent
// from the table are invalid and leave the state untouched.
var transitions = map[State]map[EventType]State{
	StateInit: {
		EventLegsOpen:          StateWelcome,
		EventTransferRequested: StateTransfer,
		EventHangupRequested:   StateEnding,
	},
	StateWelcome: {
		EventGreetingDone:      StateListening,
		EventHumanSpeechEnd:    StateProcessing,
		EventTransferRequested: StateTransfer,
		EventHangupRequested:   StateEnding,
	},
	StateListening: {
		EventHumanSpeechEnd:    StateProcessing,
		EventTransferRequested: StateTransfer,
		EventHangupRequested:   StateEnding,
	},
	StateProcessing: {
		EventAIFirstChunk:      StateResponding,
		EventAITimeout:         StateResponding,
		EventInterrupt:         StateInterrupted,
		EventTransferRequested: StateTransfer,
		EventHangupRequested:   StateEnding,
	},
	StateResponding: {
		EventAITurnComplete:    StateListening,
		EventInterrupt:         StateInterrupted,
		EventTransferRequested: StateTransfer,
		EventHangupRequested:   StateEnding,
	},
	StateInterrupted: {
		EventInterruptCleared:  StateListening,
		EventTransferRequested: StateTransfer,
		EventHangupRequested:   StateEnding,
	},
	StateTransfer: {
		EventHangupRequested: StateEnding,
	},
	StateEnding: {
		// Repeated hangups are routine: both legs tend to error together.
		EventHangupRequested: StateEnding,
		EventCleanupDone:     StateEnded,
	},
	StateEnded: {},
}

// Observer is notified after every accepted transition, in application
// order. It runs on the applying goroutine and must not call back into the
// machine.
type Observer func(from, to State, ev Event)

// Machine holds the current call state and enforces the transition table.
// Apply is safe for concurrent use, though in practice a single bridge
// event loop drives it.
type Machine struct {
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	observer Observer
	rejected uint64
}

// NewMachine creates a machine in StateInit.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{logger: logger}
}

// SetObserver installs the transition observer. Call before events flow.
func (m *Machine) SetObserver(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rejections returns how many events the table has refused so far.
func (m *Machine) Rejections() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

// Apply runs one event against the table. It returns the resulting state
// and whether the event was accepted. Rejected events leave the state
// unchanged and are logged; they are never fatal.
func (m *Machine) Apply(ev Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	next, ok := transitions[from][ev.Type]
	if !ok {
		m.rejected++
		m.logger.Warn("call event rejected",
			"state", from.String(),
			"event", ev.Type.String(),
			"cause", ev.Cause)
		return from, false
	}

	m.state = next
	if from != next {
		m.logger.Debug("call state changed",
			"from", from.String(),
			"to", next.String(),
			"event", ev.Type.String())
	}
	if m.observer != nil {
		m.observer(from, next, ev)
	}
	return next, true
}
