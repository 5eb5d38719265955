package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain operations
var (
	// ErrEntryNotFound indicates no cache entry exists for the requested date
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrCorruptedEntry indicates an entry failed integrity validation
	ErrCorruptedEntry = errors.New("cache entry is corrupted")

	// ErrStorageUnavailable indicates local storage cannot be read or written
	ErrStorageUnavailable = errors.New("local storage is unavailable")

	// ErrSizeExceeded indicates a single record is larger than the entire size budget
	ErrSizeExceeded = errors.New("record exceeds cache size budget")

	// ErrServerOffline indicates the content service is unreachable
	ErrServerOffline = errors.New("content server is unreachable")

	// ErrAuthFailed indicates authentication with the content service failed
	ErrAuthFailed = errors.New("authentication token is invalid")

	// ErrOffline indicates the device has no connectivity
	ErrOffline = errors.New("device is offline")

	// ErrDrainInProgress indicates a drain cycle is already running
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrQueuePaused indicates the sync queue is paused pending re-authentication
	ErrQueuePaused = errors.New("sync queue paused pending re-authentication")
)

// FailureClass classifies a remote failure for retry handling.
type FailureClass int

const (
	// FailureTransient covers network faults, timeouts and 5xx responses; retried with backoff
	FailureTransient FailureClass = iota

	// FailureRejected covers remote validation failures (4xx); dead-lettered, never retried
	FailureRejected

	// FailureFatal covers authentication failures; the queue pauses until re-authentication
	FailureFatal
)

// String returns a human-readable representation of the failure class.
func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureRejected:
		return "rejected"
	case FailureFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SubmitError is a classified remote submission failure.
type SubmitError struct {
	Class  FailureClass
	Status int // HTTP status, 0 for transport-level failures
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("submit interaction: %s (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("submit interaction: %s: %v", e.Class, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// ClassifyError extracts the failure class from an error chain.
// Anything unclassified is treated as transient, the safe default for
// retry handling.
func ClassifyError(err error) FailureClass {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, ErrAuthFailed) {
		return FailureFatal
	}
	return FailureTransient
}
