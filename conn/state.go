package conn

// State is where a Conn is in its lifecycle.
type State int

const (
	StateConnecting State = iota // channel negotiation in progress
	StateOpen                    // data flows both ways
	StateClosing                 // local Close, draining queued data
	StateClosed                  // terminal, the channel is gone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransition defines which state changes are legal.
// Closed is terminal.
func validTransition(from, to State) bool {
	allowed := map[State][]State{
		StateConnecting: {StateOpen, StateClosing, StateClosed},
		StateOpen:       {StateClosing, StateClosed},
		StateClosing:    {StateClosed},
		StateClosed:     {},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}
