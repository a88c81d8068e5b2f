package webhook

import "errors"

var (
	// ErrBadSignature is returned when the HMAC does not match.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrStaleTimestamp is returned when the timestamp is outside the
	// allowed skew window, rejecting replays.
	ErrStaleTimestamp = errors.New("webhook timestamp outside allowed skew")
)
