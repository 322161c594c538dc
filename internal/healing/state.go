package healing

import "github.com/rotisserie/eris"

// State is a position in the healing state machine.
type State string

const (
	StateValidating State = "validating"
	StateHealing    State = "healing"
	StateResolved   State = "resolved"
	StateEscalated  State = "escalated"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateEscalated
}

var transitions = map[State][]State{
	StateValidating: {StateHealing, StateResolved, StateEscalated},
	StateHealing:    {StateValidating, StateEscalated},
}

// ErrIllegalTransition is returned for a transition the machine does not allow.
var ErrIllegalTransition = eris.New("healing: illegal state transition")

// Machine tracks the state of one healing run.
type Machine struct {
	state   State
	history []State
}

// NewMachine starts in StateValidating.
func NewMachine() *Machine {
	return &Machine{state: StateValidating, history: []State{StateValidating}}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// History returns every state visited, in order.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// To moves the machine to next.
func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return eris.Wrapf(ErrIllegalTransition, "%s -> %s", m.state, next)
}
