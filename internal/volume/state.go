package volume

// State is a volume lifecycle state.
type State string

const (
	StateProposed   State = "Proposed"
	StateAccepted   State = "Accepted"
	StateActivated  State = "Activated"
	StateContingent State = "Contingent"
	StateEnded      State = "Ended"
	StateWithdrawn  State = "Withdrawn"
)

var terminalStates = map[State]bool{
	StateEnded:     true,
	StateWithdrawn: true,
}

// validTransitions lists the forward edges of the lifecycle. Withdrawn is
// reachable from every non-terminal state and is handled in CanTransition.
var validTransitions = map[State][]State{
	StateProposed:   {StateAccepted},
	StateAccepted:   {StateActivated, StateEnded},
	StateActivated:  {StateContingent, StateEnded},
	StateContingent: {StateActivated, StateEnded},
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateProposed, StateAccepted, StateActivated, StateContingent, StateEnded, StateWithdrawn:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateWithdrawn {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
