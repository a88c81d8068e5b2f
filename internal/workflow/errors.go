package workflow

import "errors"

var (
	// ErrNotFound is returned when no workflow matches the lookup.
	ErrNotFound = errors.New("workflow not found")

	// ErrInvalidTransition is returned when a transition violates the
	// status lattice. The workflow is left untouched.
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrChangeRequestNotAllowed is returned when a change request arrives
	// outside AWAITING_APPROVAL or TESTING.
	ErrChangeRequestNotAllowed = errors.New("change request not allowed in current status")

	// ErrAssignmentNotAllowed is returned when a new assignment would
	// clobber in-flight review state.
	ErrAssignmentNotAllowed = errors.New("task cannot be restarted via assignment")
)
