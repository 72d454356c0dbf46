package replication

import "fmt"

// ErrorKind identifies specific types of errors that can occur during an
// update run. This enables callers to map failures onto the exit-code
// taxonomy without string matching.
type ErrorKind int

// Error kinds for update operations.
const (
	// ErrKindInvalidStateTransition indicates an attempt to transition a run
	// to an invalid state.
	ErrKindInvalidStateTransition ErrorKind = iota

	// ErrKindLockHeld indicates another live run holds the exclusivity lock.
	// This is the expected steady-state outcome of overlapping schedules,
	// not a fault.
	ErrKindLockHeld

	// ErrKindMissingCheckpoint indicates there is no checkpoint to resume
	// from. Fatal: operator intervention is required.
	ErrKindMissingCheckpoint

	// ErrKindFetchFailed indicates the external replication client failed to
	// materialize a changeset.
	ErrKindFetchFailed

	// ErrKindApplyFailed indicates the external bulk loader failed to apply
	// a fetched changeset.
	ErrKindApplyFailed

	// ErrKindStopRequested indicates an external stop flag refused the run.
	ErrKindStopRequested
)

// UpdateError represents domain-specific errors that can occur during an
// update run. It provides context about the type of error to enable
// appropriate handling and exit-code mapping.
type UpdateError struct {
	msg  string
	kind ErrorKind
	err  error
}

// Error returns the error message. This implements the error interface.
func (e *UpdateError) Error() string { return e.msg }

// Unwrap exposes the underlying cause, if any.
func (e *UpdateError) Unwrap() error { return e.err }

// Is enables error matching by comparing error kinds.
func (e *UpdateError) Is(target error) bool {
	t, ok := target.(*UpdateError)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

func newInvalidStateTransitionError(from, to Status) error {
	return &UpdateError{
		msg:  fmt.Sprintf("cannot transition from %s to %s", from, to),
		kind: ErrKindInvalidStateTransition,
	}
}

// NewLockHeldError creates an error reporting that another live run holds
// the exclusivity lock.
func NewLockHeldError(age string) error {
	return &UpdateError{
		msg:  fmt.Sprintf("update already in progress (lock age %s)", age),
		kind: ErrKindLockHeld,
	}
}

// NewMissingCheckpointError creates an error reporting that no replication
// checkpoint exists to resume from.
func NewMissingCheckpointError(path string) error {
	return &UpdateError{
		msg:  fmt.Sprintf("no replication checkpoint at %s; cannot resume safely", path),
		kind: ErrKindMissingCheckpoint,
	}
}

// NewFetchFailedError wraps a failure of the external replication client.
func NewFetchFailedError(err error) error {
	return &UpdateError{
		msg:  fmt.Sprintf("changeset fetch failed: %v", err),
		kind: ErrKindFetchFailed,
		err:  err,
	}
}

// NewApplyFailedError wraps a failure of the external bulk loader.
func NewApplyFailedError(err error) error {
	return &UpdateError{
		msg:  fmt.Sprintf("changeset apply failed: %v", err),
		kind: ErrKindApplyFailed,
		err:  err,
	}
}

// NewStopRequestedError creates an error reporting that the stop flag
// refused the run.
func NewStopRequestedError(path string) error {
	return &UpdateError{
		msg:  fmt.Sprintf("stop requested via %s; refusing to start", path),
		kind: ErrKindStopRequested,
	}
}

func isKind(err error, kind ErrorKind) bool {
	for err != nil {
		if ue, ok := err.(*UpdateError); ok && ue.kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsLockHeld reports whether err means another live run holds the lock.
func IsLockHeld(err error) bool { return isKind(err, ErrKindLockHeld) }

// IsMissingCheckpoint reports whether err means no checkpoint exists.
func IsMissingCheckpoint(err error) bool { return isKind(err, ErrKindMissingCheckpoint) }

// IsFetchFailure reports whether err is a replication client failure.
func IsFetchFailure(err error) bool { return isKind(err, ErrKindFetchFailed) }

// IsApplyFailure reports whether err is a bulk loader failure.
func IsApplyFailure(err error) bool { return isKind(err, ErrKindApplyFailed) }

// IsStopRequested reports whether err means the stop flag refused the run.
func IsStopRequested(err error) bool { return isKind(err, ErrKindStopRequested) }
