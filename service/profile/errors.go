package profile

import (
	"errors"
	"fmt"
)

// Errors of the activation path.
var (
	// ErrDenied: the authorizer rejected the request. Terminal, nothing
	// was mutated.
	ErrDenied = errors.New("activation denied")

	// ErrBusy: another activation is in flight and the request queue is
	// full. The caller may retry.
	ErrBusy = errors.New("activation already in progress")

	// ErrRollbackIncomplete: a failed activation could not be fully
	// reverted. The host is in a reported, partially-applied state.
	ErrRollbackIncomplete = errors.New("rollback incomplete")

	// ErrWithdrawn: a queued activation request was withdrawn by the
	// caller before it started.
	ErrWithdrawn = errors.New("activation request withdrawn")

	// ErrUnknownProfile: the requested profile ID is not loaded.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrShuttingDown: the daemon is stopping and accepts no new requests.
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// ActionFailedError wraps the failure of a single action.
type ActionFailedError struct {
	Kind  ActionKind
	Cause error
}

// Error implements error.
func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("action %s failed: %s", e.Kind, e.Cause)
}

// Unwrap returns the cause.
func (e *ActionFailedError) Unwrap() error {
	return e.Cause
}
