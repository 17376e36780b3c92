package supervisor

// State is the lifecycle state of an instance, derived on every query.
type State int

const (
	NotCreated State = iota
	SettingUp
	Ready
	NeedsRepair
	Running
	Closing
)

func (s State) String() string {
	switch s {
	case NotCreated:
		return "not_created"
	case SettingUp:
		return "setting_up"
	case Ready:
		return "ready"
	case NeedsRepair:
		return "needs_repair"
	case Running:
		return "running"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Event reports the state an instance moved to.
type Event struct {
	ID    string
	State State
}

// CloseResult is passed to Close callbacks.
type CloseResult struct {
	ID string
	// Forced is set when the grace period ran out and the process group
	// was killed.
	Forced bool
}
