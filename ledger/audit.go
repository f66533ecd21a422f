/*
audit.go - Immutable audit trail for regulated entities

PURPOSE:
  Wraps every create, update and delete of a regulated entity with a
  structured before/after record and appends it to an append-only log.

WHY FULL SNAPSHOTS:
  Update entries store the changed field names ALONGSIDE both complete
  serialized snapshots, not a field-level patch. Historical
  reconstruction must never depend on replaying a chain of patches.

FAILURE SEMANTICS:
  The diff itself never fails on well-formed input. If the append cannot
  be committed the whole enclosing operation fails: a mutation without
  its audit trail is a failed operation, not a successful one with
  missing history. The façade runs the append inside the same store
  transaction as the entity write.

SEE ALSO:
  - store.go: AuditStore and AuditFilter
  - facade.go: transactional grouping
*/
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT TYPES
// =============================================================================

type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// EntityType names a regulated entity kind in the audit log.
type EntityType string

const (
	EntityPlant        EntityType = "plant"
	EntityHarvest      EntityType = "harvest"
	EntityPatient      EntityType = "patient"
	EntityDistribution EntityType = "distribution"
	EntityExtract      EntityType = "extract"
)

// AuditLogEntry is one immutable record of a single mutation.
// Once written it is never modified or deleted; ordering is by
// timestamp, ties broken by insertion order of the underlying store.
type AuditLogEntry struct {
	ID         string
	Timestamp  time.Time
	Actor      string
	Action     AuditAction
	EntityType EntityType
	EntityID   string
	EntityName string // display name, e.g. the control number

	// For updates: top-level field names whose serialized value differs.
	ChangedFields []string

	// Full serialized snapshots. Create carries only After, delete only
	// Before, update carries both.
	BeforeJSON string
	AfterJSON  string
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder builds and appends audit entries. It owns the only write
// path to the audit log.
type Recorder struct {
	// Now is the entry timestamp clock. Nil means time.Now.
	Now func() time.Time
}

// Record serializes the snapshots, computes the field diff for updates,
// and appends the entry. Append failure is escalated as a persistence
// error so the caller fails the enclosing transaction.
func (r *Recorder) Record(ctx context.Context, s AuditStore, action AuditAction, entityType EntityType, entityID, entityName, actor string, before, after any) (*AuditLogEntry, error) {
	entry := AuditLogEntry{
		ID:         uuid.NewString(),
		Timestamp:  r.now(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: entityName,
	}

	var err error
	if before != nil {
		if entry.BeforeJSON, err = marshalSnapshot(before); err != nil {
			return nil, err
		}
	}
	if after != nil {
		if entry.AfterJSON, err = marshalSnapshot(after); err != nil {
			return nil, err
		}
	}

	if action == AuditUpdate {
		entry.ChangedFields, err = ChangedFields(entry.BeforeJSON, entry.AfterJSON)
		if err != nil {
			return nil, err
		}
	}

	if err := s.AppendAudit(ctx, entry); err != nil {
		return nil, &PersistenceError{Op: "audit append", Err: err}
	}
	return &entry, nil
}

// ChangedFields returns the sorted top-level field names whose
// serialized value differs between two JSON object snapshots. A field
// present on one side only always counts as changed.
func ChangedFields(beforeJSON, afterJSON string) ([]string, error) {
	var before, after map[string]json.RawMessage
	if beforeJSON != "" {
		if err := json.Unmarshal([]byte(beforeJSON), &before); err != nil {
			return nil, fmt.Errorf("malformed before snapshot: %w", err)
		}
	}
	if afterJSON != "" {
		if err := json.Unmarshal([]byte(afterJSON), &after); err != nil {
			return nil, fmt.Errorf("malformed after snapshot: %w", err)
		}
	}

	changed := make(map[string]bool)
	for name, bv := range before {
		av, ok := after[name]
		if !ok || string(bv) != string(av) {
			changed[name] = true
		}
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			changed[name] = true
		}
	}

	fields := make([]string, 0, len(changed))
	for name := range changed {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields, nil
}

func marshalSnapshot(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize snapshot: %w", err)
	}
	return string(b), nil
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
