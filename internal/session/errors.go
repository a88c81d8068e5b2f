package session

import "errors"

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a task already has a live session.
	ErrSessionExists = errors.New("task already has an active session")
)
