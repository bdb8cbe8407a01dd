package supervisor

import "errors"

// StateKind is the lifecycle state of the supervised server process.
// Exactly one state holds at any instant; all transitions go through the
// supervisor's guarded mutation point.
type StateKind string

const (
	// StateInitial: no process, ready to start
	StateInitial StateKind = "initial"
	// StateStarting: launch sequence in progress
	StateStarting StateKind = "starting"
	// StateStarted: process running, stop handle valid
	StateStarted StateKind = "started"
	// StateStopping: graceful shutdown sent, waiting for exit
	StateStopping StateKind = "stopping"
	// StateSaving: backup being recorded
	StateSaving StateKind = "saving"
	// StateRestoring: backup being checked out
	StateRestoring StateKind = "restoring"
	// StateFailed: an invariant was violated; manual intervention needed
	StateFailed StateKind = "failed"
)

var (
	// ErrBusy means the server is mid-transition and the operation must
	// be resubmitted later
	ErrBusy = errors.New("server busy")

	// ErrInvalidTransition means the operation is never legal from the
	// current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotRunning means the operation needs a running process
	ErrNotRunning = errors.New("server is not running")
)
