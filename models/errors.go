package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrStoreUnavailable    = errors.New("document store unavailable")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidDocument     = errors.New("invalid document")
	ErrAlreadyApplied      = errors.New("idempotency key already applied")
)

// InvalidScopeError is a malformed or ambiguous tenant/branch identifier.
// Never defaulted: the calling operation stops.
type InvalidScopeError struct {
	Input  string
	Reason string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid scope %q: %s", e.Input, e.Reason)
}

// CrossScopeViolation is a read or write that is not pinned to one
// (tenantId, locationId) pair. It is a programming error.
type CrossScopeViolation struct {
	Collection Collection
	Op         string
	Detail     string
}

func (e *CrossScopeViolation) Error() string {
	return fmt.Sprintf("cross-scope violation on %s (%s): %s", e.Collection, e.Op, e.Detail)
}

// IngredientNotFoundError is logged when a recipe references an ingredient
// that has no inventory record. Recovered locally, never returned to a sale.
type IngredientNotFoundError struct {
	Scope          Scope
	IngredientId   string
	IngredientName string
}

func (e *IngredientNotFoundError) Error() string {
	return fmt.Sprintf("ingredient not found in %s: id=%q name=%q", e.Scope, e.IngredientId, e.IngredientName)
}

// SyncExhaustedError marks a queue entry that ran out of retries.
type SyncExhaustedError struct {
	EntryId   string
	Type      string
	Attempts  int
	LastError string
}

func (e *SyncExhaustedError) Error() string {
	return fmt.Sprintf("sync entry %s (%s) failed after %d attempts: %s", e.EntryId, e.Type, e.Attempts, e.LastError)
}

// IsTransient reports whether err is worth retrying close to the source.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsScopeError reports whether err means the partition invariant was broken.
func IsScopeError(err error) bool {
	var invalid *InvalidScopeError
	var cross *CrossScopeViolation
	return errors.As(err, &invalid) || errors.As(err, &cross)
}
