/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  scopes:        growing environments and the association
  counters:      one row per (scope, counter name); advanced by a
                 single-statement atomic upsert, never read-then-write
  harvests:      versioned documents; updates are compare-and-swap on
                 the version column
  distributions, extracts:
                 insert-only, with a UNIQUE allocation key so a replayed
                 request cannot double-count even if the application
                 level check is bypassed
  audit_log:     append-only; no UPDATE or DELETE statement for this
                 table exists anywhere in the package

CONCURRENCY:
  A sync.RWMutex serializes writers in-process; the version CAS on
  harvests and the unique indexes carry the guarantee across processes.
  SQLite is opened in WAL mode so readers don't block.

LOCKING DISCIPLINE:
  Public methods take the mutex and pass s.db into unexported helpers
  parameterized on a querier. The transactional view calls the same
  helpers with its sql.Tx and never re-locks: WithTx already holds the
  lock for the whole transaction.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/verdant/cultivation-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Sequence counters. The ONLY statement that touches value is the
	-- atomic upsert in incrementCounter.
	CREATE TABLE IF NOT EXISTS counters (
		scope_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scope_id, name)
	);

	CREATE TABLE IF NOT EXISTS plants (
		id TEXT PRIMARY KEY,
		control_number TEXT NOT NULL UNIQUE,
		scope_id TEXT NOT NULL,
		strain TEXT,
		stage TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_plants_scope ON plants(scope_id);

	CREATE TABLE IF NOT EXISTS harvests (
		id TEXT PRIMARY KEY,
		control_number TEXT NOT NULL UNIQUE,
		plant_id TEXT NOT NULL,
		plant_control_number TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		harvested_on TEXT NOT NULL,
		wet_weight TEXT NOT NULL,
		dry_weight TEXT,
		final_weight TEXT,
		trim_weight TEXT,
		distributed_grams TEXT NOT NULL,
		extracted_grams TEXT NOT NULL,
		status TEXT NOT NULL,
		purpose TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_harvests_plant ON harvests(plant_id);
	CREATE INDEX IF NOT EXISTS idx_harvests_scope ON harvests(scope_id);

	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ident TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- Insert-only. Sources are stored denormalized as JSON plus join
	-- rows in allocation_sources for harvest-centric lookups.
	CREATE TABLE IF NOT EXISTS distributions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		patient_name TEXT NOT NULL,
		sources_json TEXT NOT NULL,
		allocation_key TEXT UNIQUE,
		distributed_on TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS extracts (
		id TEXT PRIMARY KEY,
		control_number TEXT NOT NULL UNIQUE,
		scope_id TEXT NOT NULL,
		kind TEXT,
		sources_json TEXT NOT NULL,
		allocation_key TEXT UNIQUE,
		produced_on TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS allocation_sources (
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		harvest_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocation_sources_harvest
		ON allocation_sources(harvest_id);

	-- Append-only audit log. Ordering is timestamp descending, ties
	-- broken by insertion order (rowid).
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_name TEXT,
		changed_fields_json TEXT,
		before_json TEXT,
		after_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity_type ON audit_log(entity_type);
	CREATE INDEX IF NOT EXISTS idx_audit_entity_id ON audit_log(entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SCOPES & COUNTERS
// =============================================================================

func (s *Store) SaveScope(ctx context.Context, scope ledger.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveScope(ctx, s.db, scope)
}

func saveScope(ctx context.Context, q querier, scope ledger.Scope) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO scopes (id, kind, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, name = excluded.name
	`, scope.ID, scope.Kind, scope.Name, formatTime(scope.CreatedAt))
	return err
}

func (s *Store) GetScope(ctx context.Context, id ledger.ScopeID) (*ledger.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getScope(ctx, s.db, id)
}

func getScope(ctx context.Context, q querier, id ledger.ScopeID) (*ledger.Scope, error) {
	var scope ledger.Scope
	var createdAt string
	err := q.QueryRowContext(ctx,
		"SELECT id, kind, name, created_at FROM scopes WHERE id = ?", id,
	).Scan(&scope.ID, &scope.Kind, &scope.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	scope.CreatedAt = parseTime(createdAt)
	return &scope, nil
}

// IncrementCounter advances the counter in a single upsert statement.
// The increment and the read of the new value are one atomic operation,
// so two callers can never observe the same value.
func (s *Store) IncrementCounter(ctx context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return incrementCounter(ctx, s.db, scopeID, name)
}

func incrementCounter(ctx context.Context, q querier, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	var value int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO counters (scope_id, name, value) VALUES (?, ?, 1)
		ON CONFLICT(scope_id, name) DO UPDATE SET value = value + 1
		RETURNING value
	`, scopeID, name).Scan(&value)
	if err != nil {
		if isBusyError(err) {
			return 0, ledger.ErrConcurrentModification
		}
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return value, nil
}

func (s *Store) CounterValue(ctx context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return counterValue(ctx, s.db, scopeID, name)
}

func counterValue(ctx context.Context, q querier, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	var value int64
	err := q.QueryRowContext(ctx,
		"SELECT value FROM counters WHERE scope_id = ? AND name = ?", scopeID, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

// =============================================================================
// PLANTS
// =============================================================================

func (s *Store) SavePlant(ctx context.Context, p ledger.Plant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePlant(ctx, s.db, p)
}

func savePlant(ctx context.Context, q querier, p ledger.Plant) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO plants (id, control_number, scope_id, strain, stage, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			strain = excluded.strain,
			stage = excluded.stage,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, p.ID, p.ControlNumber, p.ScopeID, p.Strain, p.Stage,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatNullTime(p.DeletedAt))
	return err
}

func (s *Store) GetPlant(ctx context.Context, id ledger.PlantID) (*ledger.Plant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPlant(ctx, s.db, id)
}

func getPlant(ctx context.Context, q querier, id ledger.PlantID) (*ledger.Plant, error) {
	var (
		p                    ledger.Plant
		strain, stage        sql.NullString
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, control_number, scope_id, strain, stage, created_at, updated_at, deleted_at
		FROM plants WHERE id = ?
	`, id).Scan(&p.ID, &p.ControlNumber, &p.ScopeID, &strain, &stage, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Strain = strain.String
	p.Stage = stage.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.DeletedAt = parseNullTime(deletedAt)
	return &p, nil
}

// =============================================================================
// HARVESTS
// =============================================================================

func (s *Store) CreateHarvest(ctx context.Context, h ledger.Harvest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createHarvest(ctx, s.db, h)
}

func createHarvest(ctx context.Context, q querier, h ledger.Harvest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO harvests
		(id, control_number, plant_id, plant_control_number, scope_id, harvested_on,
		 wet_weight, dry_weight, final_weight, trim_weight,
		 distributed_grams, extracted_grams, status, purpose, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.ControlNumber, h.PlantID, h.PlantControlNumber, h.ScopeID,
		formatTime(h.HarvestedOn),
		h.WetWeight.String(), formatNullGrams(h.DryWeight), formatNullGrams(h.FinalWeight), formatNullGrams(h.TrimWeight),
		h.DistributedGrams.String(), h.ExtractedGrams.String(),
		h.Status, h.Purpose, h.Version, formatTime(h.CreatedAt), formatTime(h.UpdatedAt))
	return err
}

func (s *Store) GetHarvest(ctx context.Context, id ledger.HarvestID) (*ledger.Harvest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHarvest(ctx, s.db, id)
}

func getHarvest(ctx context.Context, q querier, id ledger.HarvestID) (*ledger.Harvest, error) {
	var (
		h                      ledger.Harvest
		harvestedOn, wet       string
		dry, final, trim       sql.NullString
		distributed, extracted string
		purpose                sql.NullString
		createdAt, updatedAt   string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, control_number, plant_id, plant_control_number, scope_id, harvested_on,
		       wet_weight, dry_weight, final_weight, trim_weight,
		       distributed_grams, extracted_grams, status, purpose, version, created_at, updated_at
		FROM harvests WHERE id = ?
	`, id).Scan(&h.ID, &h.ControlNumber, &h.PlantID, &h.PlantControlNumber, &h.ScopeID, &harvestedOn,
		&wet, &dry, &final, &trim, &distributed, &extracted, &h.Status, &purpose, &h.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.HarvestedOn = parseTime(harvestedOn)
	h.WetWeight = ledger.ParseGrams(wet)
	h.DryWeight = parseNullGrams(dry)
	h.FinalWeight = parseNullGrams(final)
	h.TrimWeight = parseNullGrams(trim)
	h.DistributedGrams = ledger.ParseGrams(distributed)
	h.ExtractedGrams = ledger.ParseGrams(extracted)
	h.Purpose = purpose.String
	h.CreatedAt = parseTime(createdAt)
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}

// UpdateHarvest is the compare-and-swap: the UPDATE only matches when
// the stored version still equals expectedVersion, and bumps it by one
// in the same statement.
func (s *Store) UpdateHarvest(ctx context.Context, h ledger.Harvest, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateHarvest(ctx, s.db, h, expectedVersion)
}

func updateHarvest(ctx context.Context, q querier, h ledger.Harvest, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE harvests SET
			harvested_on = ?,
			dry_weight = ?, final_weight = ?, trim_weight = ?,
			distributed_grams = ?, extracted_grams = ?,
			status = ?, purpose = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`, formatTime(h.HarvestedOn),
		formatNullGrams(h.DryWeight), formatNullGrams(h.FinalWeight), formatNullGrams(h.TrimWeight),
		h.DistributedGrams.String(), h.ExtractedGrams.String(),
		h.Status, h.Purpose, formatTime(h.UpdatedAt), h.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update harvest: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := getHarvest(ctx, q, h.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ledger.ErrHarvestNotFound
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

func (s *Store) DeleteHarvest(ctx context.Context, id ledger.HarvestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteHarvest(ctx, s.db, id)
}

func deleteHarvest(ctx context.Context, q querier, id ledger.HarvestID) error {
	_, err := q.ExecContext(ctx, "DELETE FROM harvests WHERE id = ?", id)
	return err
}

// =============================================================================
// PATIENTS
// =============================================================================

func (s *Store) SavePatient(ctx context.Context, p ledger.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePatient(ctx, s.db, p)
}

func savePatient(ctx context.Context, q querier, p ledger.Patient) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO patients (id, name, ident, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			ident = excluded.ident,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, p.ID, p.Name, p.Ident, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatNullTime(p.DeletedAt))
	return err
}

func (s *Store) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPatient(ctx, s.db, id)
}

func getPatient(ctx context.Context, q querier, id ledger.PatientID) (*ledger.Patient, error) {
	var (
		p                    ledger.Patient
		ident                sql.NullString
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, ident, created_at, updated_at, deleted_at FROM patients WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &ident, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Ident = ident.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.DeletedAt = parseNullTime(deletedAt)
	return &p, nil
}

// =============================================================================
// DISTRIBUTIONS / EXTRACTS - insert-only
// =============================================================================

func (s *Store) CreateDistribution(ctx context.Context, d ledger.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createDistribution(ctx, s.db, d)
}

func createDistribution(ctx context.Context, q querier, d ledger.Distribution) error {
	sourcesJSON, err := json.Marshal(d.Sources)
	if err != nil {
		return fmt.Errorf("serialize sources: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO distributions (id, patient_id, patient_name, sources_json, allocation_key, distributed_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.PatientID, d.PatientName, string(sourcesJSON), nullString(d.AllocationKey),
		formatTime(d.DistributedOn), formatTime(d.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateAllocation
		}
		return fmt.Errorf("failed to insert distribution: %w", err)
	}
	return insertSources(ctx, q, "distribution", string(d.ID), d.Sources)
}

func (s *Store) GetDistribution(ctx context.Context, id ledger.DistributionID) (*ledger.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDistribution(ctx, s.db, id)
}

func getDistribution(ctx context.Context, q querier, id ledger.DistributionID) (*ledger.Distribution, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, patient_id, patient_name, sources_json, allocation_key, distributed_on, created_at
		FROM distributions WHERE id = ?
	`, id)
	d, err := scanDistribution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) ListDistributionsByHarvest(ctx context.Context, id ledger.HarvestID) ([]ledger.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDistributionsByHarvest(ctx, s.db, id)
}

func listDistributionsByHarvest(ctx context.Context, q querier, id ledger.HarvestID) ([]ledger.Distribution, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.id, d.patient_id, d.patient_name, d.sources_json, d.allocation_key, d.distributed_on, d.created_at
		FROM distributions d
		JOIN allocation_sources src ON src.owner_type = 'distribution' AND src.owner_id = d.id
		WHERE src.harvest_id = ?
		ORDER BY d.created_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDistribution(row rowScanner) (*ledger.Distribution, error) {
	var (
		d                        ledger.Distribution
		sourcesJSON              string
		allocationKey            sql.NullString
		distributedOn, createdAt string
	)
	err := row.Scan(&d.ID, &d.PatientID, &d.PatientName, &sourcesJSON, &allocationKey, &distributedOn, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &d.Sources); err != nil {
		return nil, fmt.Errorf("malformed sources for distribution %s: %w", d.ID, err)
	}
	d.AllocationKey = allocationKey.String
	d.DistributedOn = parseTime(distributedOn)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func (s *Store) CreateExtract(ctx context.Context, e ledger.Extract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createExtract(ctx, s.db, e)
}

func createExtract(ctx context.Context, q querier, e ledger.Extract) error {
	sourcesJSON, err := json.Marshal(e.Sources)
	if err != nil {
		return fmt.Errorf("serialize sources: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO extracts (id, control_number, scope_id, kind, sources_json, allocation_key, produced_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ControlNumber, e.ScopeID, e.Kind, string(sourcesJSON), nullString(e.AllocationKey),
		formatTime(e.ProducedOn), formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateAllocation
		}
		return fmt.Errorf("failed to insert extract: %w", err)
	}
	return insertSources(ctx, q, "extract", string(e.ID), e.Sources)
}

func (s *Store) GetExtract(ctx context.Context, id ledger.ExtractID) (*ledger.Extract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getExtract(ctx, s.db, id)
}

func getExtract(ctx context.Context, q querier, id ledger.ExtractID) (*ledger.Extract, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, control_number, scope_id, kind, sources_json, allocation_key, produced_on, created_at
		FROM extracts WHERE id = ?
	`, id)
	e, err := scanExtract(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) ListExtractsByHarvest(ctx context.Context, id ledger.HarvestID) ([]ledger.Extract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listExtractsByHarvest(ctx, s.db, id)
}

func listExtractsByHarvest(ctx context.Context, q querier, id ledger.HarvestID) ([]ledger.Extract, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.id, e.control_number, e.scope_id, e.kind, e.sources_json, e.allocation_key, e.produced_on, e.created_at
		FROM extracts e
		JOIN allocation_sources src ON src.owner_type = 'extract' AND src.owner_id = e.id
		WHERE src.harvest_id = ?
		ORDER BY e.created_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Extract
	for rows.Next() {
		e, err := scanExtract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func scanExtract(row rowScanner) (*ledger.Extract, error) {
	var (
		e                     ledger.Extract
		kind                  sql.NullString
		sourcesJSON           string
		allocationKey         sql.NullString
		producedOn, createdAt string
	)
	err := row.Scan(&e.ID, &e.ControlNumber, &e.ScopeID, &kind, &sourcesJSON, &allocationKey, &producedOn, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &e.Sources); err != nil {
		return nil, fmt.Errorf("malformed sources for extract %s: %w", e.ID, err)
	}
	e.Kind = kind.String
	e.AllocationKey = allocationKey.String
	e.ProducedOn = parseTime(producedOn)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func insertSources(ctx context.Context, q querier, ownerType, ownerID string, sources []ledger.SourceAllocation) error {
	for _, src := range sources {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO allocation_sources (owner_type, owner_id, harvest_id) VALUES (?, ?, ?)",
			ownerType, ownerID, src.HarvestID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AllocationKeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allocationKeyExists(ctx, s.db, key)
}

func allocationKeyExists(ctx context.Context, q querier, key string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM distributions WHERE allocation_key = ?)
		     + (SELECT COUNT(*) FROM extracts WHERE allocation_key = ?)
	`, key, key).Scan(&count)
	return count > 0, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

func appendAudit(ctx context.Context, q querier, entry ledger.AuditLogEntry) error {
	changedJSON, err := json.Marshal(entry.ChangedFields)
	if err != nil {
		return fmt.Errorf("serialize changed fields: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, ts, actor, action, entity_type, entity_id, entity_name, changed_fields_json, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, formatTime(entry.Timestamp), entry.Actor, entry.Action,
		entry.EntityType, entry.EntityID, entry.EntityName,
		string(changedJSON), nullString(entry.BeforeJSON), nullString(entry.AfterJSON))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAudit(ctx, s.db, filter)
}

func queryAudit(ctx context.Context, q querier, filter ledger.AuditFilter) ([]ledger.AuditLogEntry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EntityType != nil {
		conds = append(conds, "entity_type = ?")
		args = append(args, *filter.EntityType)
	}
	if filter.EntityID != nil {
		conds = append(conds, "entity_id = ?")
		args = append(args, *filter.EntityID)
	}
	if filter.Action != nil {
		conds = append(conds, "action = ?")
		args = append(args, *filter.Action)
	}
	if filter.Actor != nil {
		conds = append(conds, "actor = ?")
		args = append(args, *filter.Actor)
	}
	if filter.From != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `
		SELECT id, ts, actor, action, entity_type, entity_id, entity_name,
		       changed_fields_json, before_json, after_json
		FROM audit_log
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditLogEntry
	for rows.Next() {
		var (
			e                      ledger.AuditLogEntry
			ts                     string
			actor, name            sql.NullString
			changed, before, after sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actor, &e.Action, &e.EntityType, &e.EntityID, &name, &changed, &before, &after); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Actor = actor.String
		e.EntityName = name.String
		if changed.Valid && changed.String != "" && changed.String != "null" {
			if err := json.Unmarshal([]byte(changed.String), &e.ChangedFields); err != nil {
				return nil, fmt.Errorf("malformed changed fields for audit entry %s: %w", e.ID, err)
			}
		}
		e.BeforeJSON = before.String
		e.AfterJSON = after.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction, holding the write
// lock so in-process writers serialize for its duration.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every call through the sql.Tx. It never touches the
// parent mutex: WithTx already holds it.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveScope(ctx context.Context, scope ledger.Scope) error {
	return saveScope(ctx, ts.tx, scope)
}

func (ts *txStore) GetScope(ctx context.Context, id ledger.ScopeID) (*ledger.Scope, error) {
	return getScope(ctx, ts.tx, id)
}

func (ts *txStore) IncrementCounter(ctx context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	return incrementCounter(ctx, ts.tx, scopeID, name)
}

func (ts *txStore) CounterValue(ctx context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	return counterValue(ctx, ts.tx, scopeID, name)
}

func (ts *txStore) SavePlant(ctx context.Context, p ledger.Plant) error {
	return savePlant(ctx, ts.tx, p)
}

func (ts *txStore) GetPlant(ctx context.Context, id ledger.PlantID) (*ledger.Plant, error) {
	return getPlant(ctx, ts.tx, id)
}

func (ts *txStore) CreateHarvest(ctx context.Context, h ledger.Harvest) error {
	return createHarvest(ctx, ts.tx, h)
}

func (ts *txStore) GetHarvest(ctx context.Context, id ledger.HarvestID) (*ledger.Harvest, error) {
	return getHarvest(ctx, ts.tx, id)
}

func (ts *txStore) UpdateHarvest(ctx context.Context, h ledger.Harvest, expectedVersion int64) error {
	return updateHarvest(ctx, ts.tx, h, expectedVersion)
}

func (ts *txStore) DeleteHarvest(ctx context.Context, id ledger.HarvestID) error {
	return deleteHarvest(ctx, ts.tx, id)
}

func (ts *txStore) SavePatient(ctx context.Context, p ledger.Patient) error {
	return savePatient(ctx, ts.tx, p)
}

func (ts *txStore) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return getPatient(ctx, ts.tx, id)
}

func (ts *txStore) CreateDistribution(ctx context.Context, d ledger.Distribution) error {
	return createDistribution(ctx, ts.tx, d)
}

func (ts *txStore) GetDistribution(ctx context.Context, id ledger.DistributionID) (*ledger.Distribution, error) {
	return getDistribution(ctx, ts.tx, id)
}

func (ts *txStore) ListDistributionsByHarvest(ctx context.Context, id ledger.HarvestID) ([]ledger.Distribution, error) {
	return listDistributionsByHarvest(ctx, ts.tx, id)
}

func (ts *txStore) CreateExtract(ctx context.Context, e ledger.Extract) error {
	return createExtract(ctx, ts.tx, e)
}

func (ts *txStore) GetExtract(ctx context.Context, id ledger.ExtractID) (*ledger.Extract, error) {
	return getExtract(ctx, ts.tx, id)
}

func (ts *txStore) ListExtractsByHarvest(ctx context.Context, id ledger.HarvestID) ([]ledger.Extract, error) {
	return listExtractsByHarvest(ctx, ts.tx, id)
}

func (ts *txStore) AllocationKeyExists(ctx context.Context, key string) (bool, error) {
	return allocationKeyExists(ctx, ts.tx, key)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry ledger.AuditLogEntry) error {
	return appendAudit(ctx, ts.tx, entry)
}

func (ts *txStore) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditLogEntry, error) {
	return queryAudit(ctx, ts.tx, filter)
}

// =============================================================================
// UTILITIES
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func formatNullGrams(g *ledger.Grams) any {
	if g == nil {
		return nil
	}
	return g.String()
}

func parseNullGrams(s sql.NullString) *ledger.Grams {
	if !s.Valid || s.String == "" {
		return nil
	}
	g := ledger.ParseGrams(s.String)
	return &g
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Interface guards.
var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*txStore)(nil)
)
