package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks network failures; the affected records stay unsynced.
	ErrTransport = errors.New("ledger: transport failure")
	// ErrConflict marks a version mismatch routed to the conflict resolver.
	ErrConflict = errors.New("ledger: version conflict")
	// ErrValidation marks input rejected before any local write.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrLockdown is returned for every mutation attempted after the security gate trips.
	ErrLockdown = errors.New("ledger: security lockdown")
	// ErrDuplicateAction is returned when the same action is already in progress.
	ErrDuplicateAction = errors.New("ledger: duplicate action")
	// ErrAnimationBusy is returned while a blocking UI animation runs.
	ErrAnimationBusy = errors.New("ledger: animation in progress")
	// ErrTimeout is returned when an action exceeds its deadline.
	ErrTimeout = errors.New("ledger: action timed out")
	// ErrOwnerDeactivated is returned by the remote API for deactivated owners.
	ErrOwnerDeactivated = errors.New("ledger: owner deactivated")
	// ErrUnauthorized is returned by the remote API when the session token is rejected.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrRecordDeleted is returned for mutations of a deleted record.
	ErrRecordDeleted = errors.New("ledger: record deleted")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("ledger: record not found")
)

// IsRetryable reports whether the failure clears on a later attempt without user input.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTransport), errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, ErrDuplicateAction), errors.Is(err, ErrAnimationBusy):
		return true
	default:
		return false
	}
}

// TransportError wraps a network failure with the remote operation that failed.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap exposes both the cause and ErrTransport to errors.Is.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
