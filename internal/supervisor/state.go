// Package supervisor runs the payload: it dispatches OBC commands, watches
// temperature and power, keeps the managed processes alive and reports
// status back over the health link.
package supervisor

// State is the supervisor lifecycle state.
type State int32

const (
	// StateInit is the state before Start.
	StateInit State = iota

	// StateStarting covers link start and process spawn.
	StateStarting

	// StateRunning is normal operation.
	StateRunning

	// StateThrottling is operation with at least one throttle cause active
	// (temperature, SAFE power state or a lost link).
	StateThrottling

	// StateShuttingDown is set once Stop begins.
	StateShuttingDown

	// StateStopped is terminal.
	StateStopped
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateThrottling:
		return "THROTTLING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// IsActive returns true while the supervisor is serving the OBC.
func (s State) IsActive() bool {
	return s == StateRunning || s == StateThrottling
}

// IsTerminal returns true once the supervisor has stopped.
func (s State) IsTerminal() bool {
	return s == StateStopped
}
