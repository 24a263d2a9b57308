package manager

// State is the manager's lifecycle stage.
type State int

const (
	AwaitingTrigger State = iota
	Deploying
	GridActive
	Liquidating
	Stopped
	// Halted blocks all placement after the ledger diverged from the venue.
	Halted
)

func (s State) String() string {
	switch s {
	case AwaitingTrigger:
		return "awaiting_trigger"
	case Deploying:
		return "deploying"
	case GridActive:
		return "grid_active"
	case Liquidating:
		return "liquidating"
	case Stopped:
		return "stopped"
	case Halted:
		return "halted"
	}
	return "unknown"
}
