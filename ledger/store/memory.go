// Package store provides an in-memory ledger.TxStore implementation
// for tests and development. All mutations run under one mutex, which
// makes IncrementCounter and UpdateHarvest trivially atomic; WithTx is
// simulated with a snapshot plus rollback on error.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/verdant/cultivation-ledger/ledger"
)

type counterKey struct {
	ScopeID ledger.ScopeID
	Name    ledger.CounterName
}

// Memory is the in-memory store.
type Memory struct {
	mu sync.RWMutex

	scopes         map[ledger.ScopeID]ledger.Scope
	counters       map[counterKey]int64
	plants         map[ledger.PlantID]ledger.Plant
	harvests       map[ledger.HarvestID]*ledger.Harvest
	patients       map[ledger.PatientID]ledger.Patient
	distributions  map[ledger.DistributionID]ledger.Distribution
	extracts       map[ledger.ExtractID]ledger.Extract
	allocationKeys map[string]bool
	audit          []ledger.AuditLogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		scopes:         make(map[ledger.ScopeID]ledger.Scope),
		counters:       make(map[counterKey]int64),
		plants:         make(map[ledger.PlantID]ledger.Plant),
		harvests:       make(map[ledger.HarvestID]*ledger.Harvest),
		patients:       make(map[ledger.PatientID]ledger.Patient),
		distributions:  make(map[ledger.DistributionID]ledger.Distribution),
		extracts:       make(map[ledger.ExtractID]ledger.Extract),
		allocationKeys: make(map[string]bool),
	}
}

// =============================================================================
// SCOPES & COUNTERS
// =============================================================================

func (m *Memory) SaveScope(_ context.Context, s ledger.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveScopeLocked(s)
}

func (m *Memory) saveScopeLocked(s ledger.Scope) error {
	m.scopes[s.ID] = s
	return nil
}

func (m *Memory) GetScope(_ context.Context, id ledger.ScopeID) (*ledger.Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getScopeLocked(id)
}

func (m *Memory) getScopeLocked(id ledger.ScopeID) (*ledger.Scope, error) {
	s, ok := m.scopes[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// IncrementCounter advances the counter under the store mutex, which is
// the in-memory equivalent of a transactional increment: concurrent
// callers serialize and each observes a distinct value.
func (m *Memory) IncrementCounter(_ context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementCounterLocked(scopeID, name)
}

func (m *Memory) incrementCounterLocked(scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	k := counterKey{ScopeID: scopeID, Name: name}
	m.counters[k]++
	return m.counters[k], nil
}

func (m *Memory) CounterValue(_ context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counterKey{ScopeID: scopeID, Name: name}], nil
}

// =============================================================================
// PLANTS
// =============================================================================

func (m *Memory) SavePlant(_ context.Context, p ledger.Plant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePlantLocked(p)
}

func (m *Memory) savePlantLocked(p ledger.Plant) error {
	m.plants[p.ID] = p
	return nil
}

func (m *Memory) GetPlant(_ context.Context, id ledger.PlantID) (*ledger.Plant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPlantLocked(id)
}

func (m *Memory) getPlantLocked(id ledger.PlantID) (*ledger.Plant, error) {
	p, ok := m.plants[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// =============================================================================
// HARVESTS
// =============================================================================

func (m *Memory) CreateHarvest(_ context.Context, h ledger.Harvest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createHarvestLocked(h)
}

func (m *Memory) createHarvestLocked(h ledger.Harvest) error {
	m.harvests[h.ID] = h.Clone()
	return nil
}

func (m *Memory) GetHarvest(_ context.Context, id ledger.HarvestID) (*ledger.Harvest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHarvestLocked(id)
}

func (m *Memory) getHarvestLocked(id ledger.HarvestID) (*ledger.Harvest, error) {
	h, ok := m.harvests[id]
	if !ok {
		return nil, nil
	}
	return h.Clone(), nil
}

// UpdateHarvest is the compare-and-swap that serializes concurrent
// allocations: the commit only lands if the stored version still equals
// expectedVersion.
func (m *Memory) UpdateHarvest(_ context.Context, h ledger.Harvest, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateHarvestLocked(h, expectedVersion)
}

func (m *Memory) updateHarvestLocked(h ledger.Harvest, expectedVersion int64) error {
	current, ok := m.harvests[h.ID]
	if !ok {
		return ledger.ErrHarvestNotFound
	}
	if current.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	next := h.Clone()
	next.Version = expectedVersion + 1
	m.harvests[h.ID] = next
	return nil
}

func (m *Memory) DeleteHarvest(_ context.Context, id ledger.HarvestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteHarvestLocked(id)
}

func (m *Memory) deleteHarvestLocked(id ledger.HarvestID) error {
	delete(m.harvests, id)
	return nil
}

// =============================================================================
// PATIENTS
// =============================================================================

func (m *Memory) SavePatient(_ context.Context, p ledger.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePatientLocked(p)
}

func (m *Memory) savePatientLocked(p ledger.Patient) error {
	m.patients[p.ID] = p
	return nil
}

func (m *Memory) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPatientLocked(id)
}

func (m *Memory) getPatientLocked(id ledger.PatientID) (*ledger.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// =============================================================================
// DISTRIBUTIONS / EXTRACTS - insert-only
// =============================================================================

func (m *Memory) CreateDistribution(_ context.Context, d ledger.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createDistributionLocked(d)
}

func (m *Memory) createDistributionLocked(d ledger.Distribution) error {
	d.Sources = append([]ledger.SourceAllocation(nil), d.Sources...)
	m.distributions[d.ID] = d
	if d.AllocationKey != "" {
		m.allocationKeys[d.AllocationKey] = true
	}
	return nil
}

func (m *Memory) GetDistribution(_ context.Context, id ledger.DistributionID) (*ledger.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDistributionLocked(id)
}

func (m *Memory) getDistributionLocked(id ledger.DistributionID) (*ledger.Distribution, error) {
	d, ok := m.distributions[id]
	if !ok {
		return nil, nil
	}
	d.Sources = append([]ledger.SourceAllocation(nil), d.Sources...)
	return &d, nil
}

func (m *Memory) ListDistributionsByHarvest(_ context.Context, id ledger.HarvestID) ([]ledger.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDistributionsByHarvestLocked(id)
}

func (m *Memory) listDistributionsByHarvestLocked(id ledger.HarvestID) ([]ledger.Distribution, error) {
	var result []ledger.Distribution
	for _, d := range m.distributions {
		for _, src := range d.Sources {
			if src.HarvestID == id {
				result = append(result, d)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) CreateExtract(_ context.Context, e ledger.Extract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createExtractLocked(e)
}

func (m *Memory) createExtractLocked(e ledger.Extract) error {
	e.Sources = append([]ledger.SourceAllocation(nil), e.Sources...)
	m.extracts[e.ID] = e
	if e.AllocationKey != "" {
		m.allocationKeys[e.AllocationKey] = true
	}
	return nil
}

func (m *Memory) GetExtract(_ context.Context, id ledger.ExtractID) (*ledger.Extract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExtractLocked(id)
}

func (m *Memory) getExtractLocked(id ledger.ExtractID) (*ledger.Extract, error) {
	e, ok := m.extracts[id]
	if !ok {
		return nil, nil
	}
	e.Sources = append([]ledger.SourceAllocation(nil), e.Sources...)
	return &e, nil
}

func (m *Memory) ListExtractsByHarvest(_ context.Context, id ledger.HarvestID) ([]ledger.Extract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExtractsByHarvestLocked(id)
}

func (m *Memory) listExtractsByHarvestLocked(id ledger.HarvestID) ([]ledger.Extract, error) {
	var result []ledger.Extract
	for _, e := range m.extracts {
		for _, src := range e.Sources {
			if src.HarvestID == id {
				result = append(result, e)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) AllocationKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocationKeys[key], nil
}

func (m *Memory) allocationKeyExistsLocked(key string) (bool, error) {
	return m.allocationKeys[key], nil
}

// =============================================================================
// AUDIT LOG - append-only
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry ledger.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(entry)
}

func (m *Memory) appendAuditLocked(entry ledger.AuditLogEntry) error {
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryAuditLocked(filter)
}

func (m *Memory) queryAuditLocked(filter ledger.AuditFilter) ([]ledger.AuditLogEntry, error) {
	var result []ledger.AuditLogEntry

	// Walk newest-first; ties on timestamp fall back to insertion order.
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.EntityType != nil && e.EntityType != *filter.EntityType {
			continue
		}
		if filter.EntityID != nil && e.EntityID != *filter.EntityID {
			continue
		}
		if filter.Action != nil && e.Action != *filter.Action {
			continue
		}
		if filter.Actor != nil && e.Actor != *filter.Actor {
			continue
		}
		if filter.From != nil && e.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.Timestamp.After(*filter.To) {
			continue
		}
		result = append(result, e)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback
// =============================================================================

// WithTx executes fn against a transactional view under the write lock.
// On error the pre-transaction snapshot is restored, so a failed
// operation leaves nothing behind, audit entries included.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	scopes         map[ledger.ScopeID]ledger.Scope
	counters       map[counterKey]int64
	plants         map[ledger.PlantID]ledger.Plant
	harvests       map[ledger.HarvestID]*ledger.Harvest
	patients       map[ledger.PatientID]ledger.Patient
	distributions  map[ledger.DistributionID]ledger.Distribution
	extracts       map[ledger.ExtractID]ledger.Extract
	allocationKeys map[string]bool
	audit          []ledger.AuditLogEntry
}

func (m *Memory) snapshot() memorySnapshot {
	snap := memorySnapshot{
		scopes:         make(map[ledger.ScopeID]ledger.Scope, len(m.scopes)),
		counters:       make(map[counterKey]int64, len(m.counters)),
		plants:         make(map[ledger.PlantID]ledger.Plant, len(m.plants)),
		harvests:       make(map[ledger.HarvestID]*ledger.Harvest, len(m.harvests)),
		patients:       make(map[ledger.PatientID]ledger.Patient, len(m.patients)),
		distributions:  make(map[ledger.DistributionID]ledger.Distribution, len(m.distributions)),
		extracts:       make(map[ledger.ExtractID]ledger.Extract, len(m.extracts)),
		allocationKeys: make(map[string]bool, len(m.allocationKeys)),
		audit:          append([]ledger.AuditLogEntry(nil), m.audit...),
	}
	for k, v := range m.scopes {
		snap.scopes[k] = v
	}
	for k, v := range m.counters {
		snap.counters[k] = v
	}
	for k, v := range m.plants {
		snap.plants[k] = v
	}
	for k, v := range m.harvests {
		snap.harvests[k] = v.Clone()
	}
	for k, v := range m.patients {
		snap.patients[k] = v
	}
	for k, v := range m.distributions {
		snap.distributions[k] = v
	}
	for k, v := range m.extracts {
		snap.extracts[k] = v
	}
	for k, v := range m.allocationKeys {
		snap.allocationKeys[k] = v
	}
	return snap
}

func (m *Memory) restore(s memorySnapshot) {
	m.scopes = s.scopes
	m.counters = s.counters
	m.plants = s.plants
	m.harvests = s.harvests
	m.patients = s.patients
	m.distributions = s.distributions
	m.extracts = s.extracts
	m.allocationKeys = s.allocationKeys
	m.audit = s.audit
}

// txView routes store calls to the parent's locked helpers. The parent
// holds the write lock for the whole transaction, so no re-locking.
type txView struct {
	parent *Memory
}

func (tv *txView) SaveScope(_ context.Context, s ledger.Scope) error {
	return tv.parent.saveScopeLocked(s)
}

func (tv *txView) GetScope(_ context.Context, id ledger.ScopeID) (*ledger.Scope, error) {
	return tv.parent.getScopeLocked(id)
}

func (tv *txView) IncrementCounter(_ context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	return tv.parent.incrementCounterLocked(scopeID, name)
}

func (tv *txView) CounterValue(_ context.Context, scopeID ledger.ScopeID, name ledger.CounterName) (int64, error) {
	return tv.parent.counters[counterKey{ScopeID: scopeID, Name: name}], nil
}

func (tv *txView) SavePlant(_ context.Context, p ledger.Plant) error {
	return tv.parent.savePlantLocked(p)
}

func (tv *txView) GetPlant(_ context.Context, id ledger.PlantID) (*ledger.Plant, error) {
	return tv.parent.getPlantLocked(id)
}

func (tv *txView) CreateHarvest(_ context.Context, h ledger.Harvest) error {
	return tv.parent.createHarvestLocked(h)
}

func (tv *txView) GetHarvest(_ context.Context, id ledger.HarvestID) (*ledger.Harvest, error) {
	return tv.parent.getHarvestLocked(id)
}

func (tv *txView) UpdateHarvest(_ context.Context, h ledger.Harvest, expectedVersion int64) error {
	return tv.parent.updateHarvestLocked(h, expectedVersion)
}

func (tv *txView) DeleteHarvest(_ context.Context, id ledger.HarvestID) error {
	return tv.parent.deleteHarvestLocked(id)
}

func (tv *txView) SavePatient(_ context.Context, p ledger.Patient) error {
	return tv.parent.savePatientLocked(p)
}

func (tv *txView) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return tv.parent.getPatientLocked(id)
}

func (tv *txView) CreateDistribution(_ context.Context, d ledger.Distribution) error {
	return tv.parent.createDistributionLocked(d)
}

func (tv *txView) GetDistribution(_ context.Context, id ledger.DistributionID) (*ledger.Distribution, error) {
	return tv.parent.getDistributionLocked(id)
}

func (tv *txView) ListDistributionsByHarvest(_ context.Context, id ledger.HarvestID) ([]ledger.Distribution, error) {
	return tv.parent.listDistributionsByHarvestLocked(id)
}

func (tv *txView) CreateExtract(_ context.Context, e ledger.Extract) error {
	return tv.parent.createExtractLocked(e)
}

func (tv *txView) GetExtract(_ context.Context, id ledger.ExtractID) (*ledger.Extract, error) {
	return tv.parent.getExtractLocked(id)
}

func (tv *txView) ListExtractsByHarvest(_ context.Context, id ledger.HarvestID) ([]ledger.Extract, error) {
	return tv.parent.listExtractsByHarvestLocked(id)
}

func (tv *txView) AllocationKeyExists(_ context.Context, key string) (bool, error) {
	return tv.parent.allocationKeyExistsLocked(key)
}

func (tv *txView) AppendAudit(_ context.Context, entry ledger.AuditLogEntry) error {
	return tv.parent.appendAuditLocked(entry)
}

func (tv *txView) QueryAudit(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditLogEntry, error) {
	return tv.parent.queryAuditLocked(filter)
}

// Interface guards.
var (
	_ ledger.Store   = (*Memory)(nil)
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = (*txView)(nil)
)
