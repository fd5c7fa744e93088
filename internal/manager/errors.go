package manager

import (
	"errors"

	"yqhp/session-manager/internal/scheduler"
)

var (
	// ErrForkFailure means the backing process could not be created.
	ErrForkFailure = errors.New("fork failure")
	// ErrSchedulingFailure means no acceptable worker allocation exists.
	ErrSchedulingFailure = errors.New("scheduling failure")
	// ErrInsufficientWorkers is the scheduling cause when the registry is empty.
	ErrInsufficientWorkers = scheduler.ErrInsufficientWorkers
	// ErrVerificationTimeout means the backing process did not report readiness in time.
	ErrVerificationTimeout = errors.New("verification timeout")
	// ErrNotFound means no session has the given id.
	ErrNotFound = errors.New("session not found")
	// ErrNotOwned means the session belongs to another user or group.
	ErrNotOwned = errors.New("session not owned by client")
	// ErrInvalidRequest means the request failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidState means the session cannot take the requested transition now.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotStarted means the manager has not finished recovery yet.
	ErrNotStarted = errors.New("session manager not started")
)

// Log event names for conditions that have no caller to report to.
const (
	EventCrashDetected   = "crash_detected"
	EventRecoveryTimeout = "recovery_timeout"
)
