/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the interface between the ledger and the backing document
  store. The ledger holds no in-process locks and multiple service
  instances may run concurrently: the store's atomic operations are the
  only source of serialization.

WHAT THE LEDGER REQUIRES FROM A STORE:
  1. Atomic read-modify-write of a single harvest document, expressed as
     UpdateHarvest with an expected version (compare-and-swap).
  2. A single atomic increment per counter key, never a read-then-write
     pair. Counters are their own addressable resource; ordinary entity
     updates never touch them.
  3. Append-only insert into the audit log plus filtered range queries.

IDEMPOTENCY:
  Distributions and extracts carry a caller allocation key. The store
  answers AllocationKeyExists so a replayed request is detected before
  any weight is consumed twice.

IMPLEMENTATIONS:
  - store/sqlite: production store (WAL, versioned CAS updates)
  - ledger/store: in-memory store for tests and development

SEE ALSO:
  - facade.go: composes store calls into atomic operations via WithTx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ENTITY STORE
// =============================================================================

// EntityStore persists the regulated entities and their counters.
// Get* methods return (nil, nil) when the entity does not exist;
// translating that into a typed not-found error is the ledger's job.
type EntityStore interface {
	// Scopes
	SaveScope(ctx context.Context, s Scope) error
	GetScope(ctx context.Context, id ScopeID) (*Scope, error)

	// IncrementCounter advances the (scope, name) counter by one and
	// returns the new value. MUST be a single atomic operation against
	// the store; on a lost race it returns ErrConcurrentModification.
	IncrementCounter(ctx context.Context, scopeID ScopeID, name CounterName) (int64, error)

	// CounterValue reads the current value without advancing it.
	CounterValue(ctx context.Context, scopeID ScopeID, name CounterName) (int64, error)

	// Plants
	SavePlant(ctx context.Context, p Plant) error
	GetPlant(ctx context.Context, id PlantID) (*Plant, error)

	// Harvests
	CreateHarvest(ctx context.Context, h Harvest) error
	GetHarvest(ctx context.Context, id HarvestID) (*Harvest, error)

	// UpdateHarvest commits a new harvest snapshot if and only if the
	// stored version still equals expectedVersion, bumping the version
	// by one. Returns ErrConcurrentModification on a version mismatch.
	// This CAS is what serializes concurrent allocations.
	UpdateHarvest(ctx context.Context, h Harvest, expectedVersion int64) error

	// DeleteHarvest physically removes a harvest. The ledger only calls
	// this for harvests with zero consumed weight.
	DeleteHarvest(ctx context.Context, id HarvestID) error

	// Patients
	SavePatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)

	// Distributions / extracts. Insert-only: both are immutable.
	CreateDistribution(ctx context.Context, d Distribution) error
	GetDistribution(ctx context.Context, id DistributionID) (*Distribution, error)
	ListDistributionsByHarvest(ctx context.Context, id HarvestID) ([]Distribution, error)

	CreateExtract(ctx context.Context, e Extract) error
	GetExtract(ctx context.Context, id ExtractID) (*Extract, error)
	ListExtractsByHarvest(ctx context.Context, id HarvestID) ([]Extract, error)

	// AllocationKeyExists reports whether a distribution or extract with
	// this allocation key was already committed.
	AllocationKeyExists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// AUDIT STORE - Append-only
// =============================================================================

// AuditStore persists audit entries. Append-only: no update, no delete.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditLogEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error)
}

// AuditFilter narrows an audit query. Nil fields match everything.
// Results come back reverse-chronological, capped at Limit.
type AuditFilter struct {
	EntityType *EntityType
	EntityID   *string
	Action     *AuditAction
	Actor      *string
	From       *time.Time // inclusive
	To         *time.Time // inclusive
	Limit      int
}

// =============================================================================
// COMBINED / TRANSACTIONAL STORE
// =============================================================================

// Store is the full persistence surface the ledger operates on.
type Store interface {
	EntityStore
	AuditStore
}

// TxStore wraps Store with transaction support. The façade runs every
// mutation inside WithTx so the entity write and its audit entry commit
// or fail as one group.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error
	// the transaction is rolled back and nothing is visible to readers.
	WithTx(ctx context.Context, fn func(Store) error) error
}
