package intent

// State is the admission lifecycle position of an intent record.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateScreened  State = "SCREENED"
	StateValidated State = "VALIDATED"
	StateEnriched  State = "ENRICHED"
	StateQueued    State = "QUEUED"
	StateSubmitted State = "SUBMITTED"
	StateIncluded  State = "INCLUDED"
	StateDropped   State = "DROPPED"
	StateRejected  State = "REJECTED"
)

// transitions declares the legal single-step edges. Terminal states have
// no successors.
var transitions = map[State][]State{
	StateReceived:  {StateScreened, StateRejected},
	StateScreened:  {StateValidated, StateRejected},
	StateValidated: {StateEnriched, StateRejected},
	StateEnriched:  {StateQueued, StateRejected},
	StateQueued:    {StateSubmitted},
	StateSubmitted: {StateIncluded, StateDropped},
	StateRejected:  {},
	StateIncluded:  {},
	StateDropped:   {},
}

// CanTransition reports whether from → to is a declared edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateIncluded || s == StateDropped
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllStates returns every declared state in lifecycle order.
func AllStates() []State {
	return []State{
		StateReceived,
		StateScreened,
		StateValidated,
		StateEnriched,
		StateQueued,
		StateSubmitted,
		StateIncluded,
		StateDropped,
		StateRejected,
	}
}
