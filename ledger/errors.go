/*
errors.go - Centralized error types for the cultivation ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with the helpers at the bottom rather than matching
  message strings.

ERROR CATEGORIES:
  1. Validation errors   - malformed input, rejected before any store call
  2. Conservation errors - would violate availability or weight refinement
  3. Contention errors   - lost an optimistic-concurrency race
  4. Persistence errors  - the store failed; nothing partially applied

USAGE:
    if errors.Is(err, ledger.ErrInsufficientAvailableWeight) {
        var short *ledger.InsufficientAvailableWeightError
        errors.As(err, &short)
        // short.Available carries the amount the caller can still request
    }

SEE ALSO:
  - weight.go: raises conservation errors
  - sequence.go: raises issuance errors
  - store.go: store contract for contention errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrScopeNotFound is returned when issuance targets a scope entity
	// that does not exist.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrPlantNotFound is returned when a referenced plant doesn't exist.
	ErrPlantNotFound = errors.New("plant not found")

	// ErrHarvestNotFound is returned when a referenced harvest doesn't exist.
	ErrHarvestNotFound = errors.New("harvest not found")

	// ErrPatientNotFound is returned when a referenced patient doesn't exist.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrInvalidWeight is returned when a weight recording violates the
	// monotonic-refinement rule or carries a non-positive quantity.
	ErrInvalidWeight = errors.New("invalid weight")

	// ErrInsufficientAvailableWeight is returned when an allocation (or a
	// weight recording) would push consumption past the available weight.
	ErrInsufficientAvailableWeight = errors.New("insufficient available weight")

	// ErrInvalidStatus is returned for an override to an unrecognized
	// status value.
	ErrInvalidStatus = errors.New("invalid harvest status")

	// ErrInvalidScopeKind is returned when an operation targets a scope of
	// the wrong kind, e.g. numbering an extract against an environment.
	ErrInvalidScopeKind = errors.New("invalid scope kind")

	// ErrConcurrentModification is returned when optimistic locking
	// detects a conflicting writer on the same document.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrIssuanceConflict is returned when the atomic counter increment
	// kept losing races past the retry budget.
	ErrIssuanceConflict = errors.New("sequence issuance conflict")

	// ErrDuplicateAllocation is returned when a distribution or extract
	// replays an allocation key that was already committed. The original
	// allocation stands; nothing is double-counted.
	ErrDuplicateAllocation = errors.New("duplicate allocation key")

	// ErrHarvestConsumed is returned when deleting a harvest that has
	// nonzero consumed weight tied to existing distributions or extracts.
	ErrHarvestConsumed = errors.New("harvest has consumed weight")

	// ErrImmutableEntity is returned when deleting or patching an entity
	// kind that is immutable once created (distributions, extracts).
	ErrImmutableEntity = errors.New("entity is immutable")

	// ErrPersistence is returned when the backing store is unreachable or
	// rejects a transaction for reasons outside the ledger's invariants.
	// The enclosing operation is guaranteed not to have partially applied.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientAvailableWeightError reports a conservation shortfall with
// the numbers the caller needs to adjust the request.
type InsufficientAvailableWeightError struct {
	HarvestID HarvestID
	Kind      ConsumerKind
	Requested Grams
	Available Grams
	Consumed  Grams
	Best      Grams
}

func (e *InsufficientAvailableWeightError) Error() string {
	return fmt.Sprintf("cannot allocate %sg from harvest %s: only %sg available (%sg of %sg consumed)",
		e.Requested, e.HarvestID, e.Available, e.Consumed, e.Best)
}

func (e *InsufficientAvailableWeightError) Unwrap() error {
	return ErrInsufficientAvailableWeight
}

// InvalidWeightError reports a weight recording that breaks the
// monotonic-refinement rule (dry ≤ wet, final ≤ dry).
type InvalidWeightError struct {
	HarvestID HarvestID
	Stage     WeightStage
	Grams     Grams
	Ceiling   Grams
	Reason    string
}

func (e *InvalidWeightError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s weight %sg for harvest %s: %s", e.Stage, e.Grams, e.HarvestID, e.Reason)
	}
	return fmt.Sprintf("invalid %s weight %sg for harvest %s: exceeds %sg", e.Stage, e.Grams, e.HarvestID, e.Ceiling)
}

func (e *InvalidWeightError) Unwrap() error { return ErrInvalidWeight }

// HarvestConsumedError reports a rejected deletion of a harvest that
// still backs existing distributions or extracts.
type HarvestConsumedError struct {
	HarvestID HarvestID
	Consumed  Grams
}

func (e *HarvestConsumedError) Error() string {
	return fmt.Sprintf("harvest %s cannot be deleted: %sg already distributed or extracted", e.HarvestID, e.Consumed)
}

func (e *HarvestConsumedError) Unwrap() error { return ErrHarvestConsumed }

// PersistenceError wraps a store failure. Audit-append failures are
// escalated through this type: a mutation without its audit entry is a
// failed operation, not a successful one with missing history.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return ErrPersistence }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on caller retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrIssuanceConflict)
}

// IsConservation returns true for availability / refinement violations.
func IsConservation(err error) bool {
	return errors.Is(err, ErrInsufficientAvailableWeight) ||
		errors.Is(err, ErrInvalidWeight)
}

// IsClientError returns true if the error is due to invalid client input
// and should not be retried verbatim.
func IsClientError(err error) bool {
	return IsConservation(err) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidScopeKind) ||
		errors.Is(err, ErrDuplicateAllocation) ||
		errors.Is(err, ErrHarvestConsumed) ||
		errors.Is(err, ErrImmutableEntity)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScopeNotFound) ||
		errors.Is(err, ErrPlantNotFound) ||
		errors.Is(err, ErrHarvestNotFound) ||
		errors.Is(err, ErrPatientNotFound)
}
