package core

import "errors"

// Sentinel errors for mapping to HTTP codes in handlers and for
// errors.Is checks across layers.
var (
	// ErrAuthRequired means no authenticated identity is bound to the
	// caller. Fatal for the operation, not for the process.
	ErrAuthRequired = errors.New("auth required")

	// ErrInvalidTransition is a benign race outcome: the session moved
	// on before this transition arrived. Logged, never user-facing.
	ErrInvalidTransition = errors.New("invalid call transition")

	ErrSessionNotFound = errors.New("call session not found")
	ErrHistoryNotFound = errors.New("call history entry not found")

	// ErrInvalidDuration rejects negative call durations before they
	// reach the session row or the history ledger.
	ErrInvalidDuration = errors.New("negative call duration")

	// ErrPersistenceFailure wraps store write errors; not retried here.
	ErrPersistenceFailure = errors.New("persistence failure")

	// Media capture errors abort the call attempt before ringing.
	// Both are non-retryable and surfaced to the caller.
	ErrMediaPermissionDenied  = errors.New("media permission denied")
	ErrMediaDeviceUnavailable = errors.New("media device unavailable")

	// ErrConnectionFailed means the peer connection terminally failed;
	// the session manager must force an end transition.
	ErrConnectionFailed = errors.New("peer connection failed")
)
