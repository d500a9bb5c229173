package services

import (
	"errors"
	"fmt"
)

// ErrMigrationSkipped is a normal outcome, not a failure: the order already
// has ledger history, so the migration performed no writes.
var ErrMigrationSkipped = errors.New("migration skipped: ledger entries already exist")

// ErrSequenceExhausted aborts the enclosing create outright; issuing a
// possibly-duplicate number is never acceptable.
var ErrSequenceExhausted = errors.New("sequence allocation retries exhausted")

// ValidationError covers bad amounts and unrecognized enum combinations.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// DuplicateExternalReferenceError means a non-voided entry already books the
// processor transaction. Raised by the unique index at write time, so exactly
// one of two concurrent racers gets it.
type DuplicateExternalReferenceError struct {
	ExternalReferenceID string
}

func (e *DuplicateExternalReferenceError) Error() string {
	return fmt.Sprintf("external reference %s is already booked on a non-voided entry", e.ExternalReferenceID)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StateConflictError surfaces a void/correct race or an action against a
// terminal entry. Callers observed one status; the store held another.
type StateConflictError struct {
	EntryID        string
	ObservedStatus string
	Action         string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s entry %s: status changed since read (observed %q)", e.Action, e.EntryID, e.ObservedStatus)
}

// ExternalLookupError wraps a processor failure for one reference. Transient
// lookups are retried with backoff before this surfaces.
type ExternalLookupError struct {
	ReferenceID string
	Err         error
}

func (e *ExternalLookupError) Error() string {
	return fmt.Sprintf("processor lookup failed for %s: %v", e.ReferenceID, e.Err)
}

func (e *ExternalLookupError) Unwrap() error {
	return e.Err
}
