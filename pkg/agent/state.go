package agent

// State is the connection lifecycle state of a Manager.
type State int32

const (
	// StateUninitialized is the state before Init.
	StateUninitialized State = iota
	// StateInitialized means units and middlewares are loaded.
	StateInitialized
	// StateRunning means a connection is being dialed or is open.
	StateRunning
	// StateStopped means the connection was closed cleanly or disposed.
	StateStopped
	// StateError means the connection failed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
