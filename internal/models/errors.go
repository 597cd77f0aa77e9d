package models

import "errors"

// Domain error taxonomy. Handlers map these to stable HTTP codes; repositories
// and adapters translate backend-specific failures into them.
var (
	// ErrValidation covers missing or invalid request fields.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when the caller wallet is not permitted to
	// perform the operation.
	ErrUnauthorized = errors.New("caller not permitted")

	// ErrNotFound is returned for unknown ids and handles.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the task state machine rejects an
	// event for the task's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict covers idempotency and compare-and-set violations.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyAccepted is the bid-acceptance CAS violation: another bid on
	// the same posting is already accepted.
	ErrAlreadyAccepted = errors.New("bid already accepted for job")

	// ErrBackendUnavailable marks transient adapter faults that are retried
	// before surfacing.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
