// Package blackboard is the atomic event-document store. It is the single
// source of truth for conversation state; every mutation is a
// read-modify-write executed under Redis WATCH so turn numbering and status
// monotonicity hold under concurrent writers.
package blackboard

import "errors"

var (
	// ErrNotFound is returned when an event does not exist. Benign in the
	// scheduler: the event was closed and swept concurrently.
	ErrNotFound = errors.New("event not found")

	// ErrAlreadyExists is returned when creating an event whose ID is taken.
	ErrAlreadyExists = errors.New("event already exists")

	// ErrClosed is returned for writes against a CLOSED event.
	ErrClosed = errors.New("event is closed")

	// ErrInvalidTransition is returned when a status CAS guard mismatches or
	// an event status transition is not allowed. Callers treat it as a
	// benign no-op.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStorageUnavailable is returned after transient store failures
	// exhaust their retry budget. Retryable on the next scheduler tick.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
