// Package apperr defines the error conditions surfaced by the calendar engine.
// Callers match them with errors.Is; lower layers wrap them with context.
package apperr

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAccessDenied           = errors.New("access denied")
	ErrDuplicateIdentifier    = errors.New("duplicate identifier")
	ErrInvalidOverride        = errors.New("invalid override")
	ErrEmptyExpansion         = errors.New("recurrence expands to no occurrences")
	ErrBadSyncToken           = errors.New("bad sync token")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrInvalidInput           = errors.New("invalid input")

	// ErrMultipleOverrides reports more than one live override or instance
	// stored for a single (master, recurrence id) pair.
	ErrMultipleOverrides = errors.New("multiple records for one recurrence id")
)
