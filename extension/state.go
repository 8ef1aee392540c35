package extension

// State is the activation state of a registered extension.
// Extensions that were never registered have no state at all.
type State string

const (
	StateInactive   State = "inactive"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateFailed     State = "failed"
)

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateInactive, StateActivating, StateActive, StateFailed:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }
