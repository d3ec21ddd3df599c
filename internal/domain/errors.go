package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a job, bid, escrow or sync entry does not exist
	ErrNotFound = errors.New("not found")

	// ErrStateMismatch is returned by the store when a conditional update matched no row
	ErrStateMismatch = errors.New("current state does not match expected state")

	// ErrDuplicate is returned by the store when a uniqueness rule rejects an insert
	ErrDuplicate = errors.New("duplicate record")

	// ErrActiveEscrow is returned when a job already has a pending or held escrow
	ErrActiveEscrow = errors.New("job already has an active escrow transaction")
)

// ValidationError reports malformed or missing input. Not retried.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, reason := range e.Fields {
		parts = append(parts, f+": "+reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError creates a ValidationError for a single field
func NewValidationError(field, reason string) error {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// InvalidStateError reports an operation that is not legal in the current
// lifecycle state. It carries the current state so the caller can refresh.
type InvalidStateError struct {
	Entity    string
	ID        string
	Operation string
	Current   string
	Version   int64
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed on %s %s in state %s (version %d)",
		e.Operation, e.Entity, e.ID, e.Current, e.Version)
}

// DuplicateBidError reports a second non-withdrawn bid from the same contractor
type DuplicateBidError struct {
	JobID        string
	ContractorID string
}

func (e *DuplicateBidError) Error() string {
	return fmt.Sprintf("contractor %s already has an active bid on job %s", e.ContractorID, e.JobID)
}

// PermissionError reports an actor acting on an entity they do not own
type PermissionError struct {
	ActorID   string
	Operation string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.ActorID, e.Operation)
}

// PaymentDeclinedError is terminal for the attempt and surfaced to the user
type PaymentDeclinedError struct {
	Reason     string
	GatewayRef string
}

func (e *PaymentDeclinedError) Error() string {
	return "payment declined: " + e.Reason
}

// GatewayUnavailableError is a retryable payment gateway failure
type GatewayUnavailableError struct {
	Op  string
	Err error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("payment gateway unavailable during %s: %v", e.Op, e.Err)
}

func (e *GatewayUnavailableError) Unwrap() error {
	return e.Err
}

// ConflictError is raised by offline replay when a queued mutation no longer
// fits the server state. It is surfaced for manual resolution.
type ConflictError struct {
	EntryID string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync entry %s conflicted: %s", e.EntryID, e.Reason)
}

// SyncFailedError reports a queued mutation discarded after retry exhaustion
type SyncFailedError struct {
	EntryID  string
	Attempts int
	Err      error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("sync entry %s failed after %d attempts: %v", e.EntryID, e.Attempts, e.Err)
}

func (e *SyncFailedError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is transient: gateway outages and wrapped
// retryable store or network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *GatewayUnavailableError
	if errors.As(err, &gwErr) {
		return true
	}
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsBusinessRejection reports errors that a retry cannot fix
func IsBusinessRejection(err error) bool {
	var (
		valErr   *ValidationError
		stateErr *InvalidStateError
		dupErr   *DuplicateBidError
		permErr  *PermissionError
		payErr   *PaymentDeclinedError
	)
	return errors.As(err, &valErr) ||
		errors.As(err, &stateErr) ||
		errors.As(err, &dupErr) ||
		errors.As(err, &permErr) ||
		errors.As(err, &payErr) ||
		errors.Is(err, ErrNotFound)
}
