/*
errors.go - Centralized error types for the accounting engine

PURPOSE:
  All error types in one place so every layer speaks the same taxonomy.
  Callers branch with errors.Is on the sentinels and errors.As on the
  structured types when they need details.

ERROR CATEGORIES:
  1. Validation     - malformed or out-of-range input, never retried
  2. Not found      - entity missing or not owned by the caller
  3. Invalid state  - operation illegal for the current lifecycle state
  4. Insufficient   - a debit would break the no-overdraft invariant
  5. Conflict       - serialization failure, safe to retry
  6. Dependency     - persistence or collaborator unavailable
  7. Inconsistency  - stored aggregates violate an invariant (detected, not clamped)

SEE ALSO:
  - engine/engine.go: retries ErrConcurrencyConflict a bounded number of times
  - api/handlers.go: maps Code(err) to HTTP status
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	ErrInvalidState = errors.New("invalid state")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrencyConflict is returned when a versioned write lost a race or
	// the database aborted a transaction for serialization reasons.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrDependency = errors.New("dependency unavailable")

	// ErrInconsistentState flags stored aggregates that break an invariant,
	// e.g. a period with spent_amount > allocated_amount.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrDuplicateIdempotencyKey is returned when a key is reused for a
	// different operation. Same-operation replays return the original result.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidAllocation is the cause attached to allocation math failures.
	ErrInvalidAllocation = errors.New("invalid allocation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrValidation, e.Cause}
	}
	return []error{ErrValidation}
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Kind string // "account", "period", "pocket", ...
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

type InvalidStateError struct {
	Kind      string
	ID        string
	Status    string
	Operation string
	Reason    string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %s in status %s", e.Operation, e.Kind, e.ID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Scope     string // "account", "pocket", "period"
	ID        string
	Currency  Currency
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s %s: available %s %s, requested %s, shortfall %s",
		e.Scope, e.ID, e.Available.StringFixed(2), e.Currency, e.Requested.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type InconsistencyError struct {
	Kind   string
	ID     string
	Detail string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent %s %s: %s", e.Kind, e.ID, e.Detail)
}

func (e *InconsistencyError) Unwrap() error { return ErrInconsistentState }

// DependencyError wraps a failure of the store or another collaborator.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependency, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrDependency)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrNotFound)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateIdempotencyKey):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrInconsistentState):
		return "inconsistent_state"
	case errors.Is(err, ErrDependency):
		return "dependency"
	default:
		return "internal"
	}
}
