package workspace

import "errors"

var (
	// ErrNoChanges is returned by PushChanges when the working tree is clean.
	ErrNoChanges = errors.New("no changes to push")
)
