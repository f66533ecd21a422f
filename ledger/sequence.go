/*
sequence.go - Sequence issuance for control numbers

PURPOSE:
  Allocates the next integer in a named counter scoped to an environment
  or to the association, and formats it into a typed control number.

GUARANTEE:
  Under concurrent callers issuing against the same (scope, counter), no
  two calls ever receive the same sequence value. The store's
  IncrementCounter is a single atomic operation; this package never does
  a read-then-write pair.

FAILURE:
  - ErrScopeNotFound if the scope entity does not exist
  - ErrIssuanceConflict if the atomic increment keeps losing races past
    the retry budget (the ledger retries a small number of times first)

SEE ALSO:
  - controlnumber.go: the text format
  - store.go: IncrementCounter contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// defaultIssueRetries bounds automatic retries of a conflicted increment.
const defaultIssueRetries = 3

// Issuer allocates sequence values and formats control numbers.
type Issuer struct {
	// MaxRetries bounds automatic retries on ErrConcurrentModification.
	// Zero means defaultIssueRetries.
	MaxRetries int

	// Now is the clock for the {YYYY} segment. Nil means time.Now.
	Now func() time.Time
}

// Issue allocates the next sequence value for (scopeID, kind's counter)
// and formats it. The scope tag is derived from the scope's display name
// at issuance time; a later rename does not change issued numbers.
func (i *Issuer) Issue(ctx context.Context, s Store, scopeID ScopeID, kind NumberKind) (ControlNumber, error) {
	if !validKind(kind) {
		return "", fmt.Errorf("unknown control number kind %q", kind)
	}

	scope, err := s.GetScope(ctx, scopeID)
	if err != nil {
		return "", &PersistenceError{Op: "load scope", Err: err}
	}
	if scope == nil {
		return "", fmt.Errorf("%w: %s", ErrScopeNotFound, scopeID)
	}

	seq, err := i.nextSequence(ctx, s, scopeID, kind.Counter())
	if err != nil {
		return "", err
	}

	parts := ControlNumberParts{
		Kind:     kind,
		Year:     i.now().Year(),
		Sequence: seq,
	}
	if kind.Scoped() {
		parts.Scope = DeriveScopeTag(scope.Name)
	}
	return FormatControlNumber(parts)
}

func (i *Issuer) nextSequence(ctx context.Context, s Store, scopeID ScopeID, counter CounterName) (int64, error) {
	retries := i.MaxRetries
	if retries <= 0 {
		retries = defaultIssueRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		seq, err := s.IncrementCounter(ctx, scopeID, counter)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return 0, &PersistenceError{Op: "increment counter", Err: err}
		}
		lastErr = err
	}
	return 0, fmt.Errorf("%w on (%s, %s): %v", ErrIssuanceConflict, scopeID, counter, lastErr)
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now().UTC()
}
