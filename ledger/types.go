/*
Package ledger is the cultivation-to-distribution resource ledger.

PURPOSE:
  This package contains the domain types and algorithms that keep a
  regulated cultivation operation consistent: stable control numbers for
  plants, harvests and extracts; conservation of harvested weight as it
  is consumed by distributions and extractions; an explicit harvest
  status lifecycle; and an immutable, diffed audit trail for every
  mutation of a regulated entity.

KEY CONCEPTS IN THIS FILE (types.go):
  - Grams: A mass quantity backed by decimal.Decimal (no float drift)
  - Scope: The container entity (growing environment or association)
    that sequence counters and control numbers are namespaced to
  - Harvest: One cultivation yield with staged weight measurements and
    cumulative consumed totals
  - Distribution/Extract: Immutable consumers of harvest weight

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every quantity on the invariant path
  2. Conservation: consumed weight can never exceed produced weight
  3. Type Safety: distinct ID types so plant and harvest IDs cannot mix
  4. Traceability: control numbers are permanent, tombstones over deletes

SEE ALSO:
  - weight.go: conservation invariant enforcement
  - status.go: harvest lifecycle
  - sequence.go / controlnumber.go: control number issuance
  - audit.go: immutable audit trail
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRAMS - Mass quantity
// =============================================================================

// Grams is a mass in grams. Milliliters reuse the same representation on
// extract allocations; mass is the only unit the invariants operate on.
type Grams struct {
	Value decimal.Decimal
}

func NewGrams(value float64) Grams    { return Grams{Value: decimal.NewFromFloat(value)} }
func NewGramsFromInt(value int) Grams { return Grams{Value: decimal.NewFromInt(int64(value))} }

// ParseGrams parses a decimal string. Invalid input yields zero grams.
func ParseGrams(s string) Grams {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Grams{Value: decimal.Zero}
	}
	return Grams{Value: d}
}

func ZeroGrams() Grams { return Grams{Value: decimal.Zero} }

func (g Grams) Add(o Grams) Grams         { return Grams{Value: g.Value.Add(o.Value)} }
func (g Grams) Sub(o Grams) Grams         { return Grams{Value: g.Value.Sub(o.Value)} }
func (g Grams) IsZero() bool              { return g.Value.IsZero() }
func (g Grams) IsPositive() bool          { return g.Value.IsPositive() }
func (g Grams) IsNegative() bool          { return g.Value.IsNegative() }
func (g Grams) LessThan(o Grams) bool     { return g.Value.LessThan(o.Value) }
func (g Grams) GreaterThan(o Grams) bool  { return g.Value.GreaterThan(o.Value) }
func (g Grams) Equal(o Grams) bool        { return g.Value.Equal(o.Value) }
func (g Grams) String() string            { return g.Value.String() }

func (g Grams) MarshalJSON() ([]byte, error)  { return g.Value.MarshalJSON() }
func (g *Grams) UnmarshalJSON(b []byte) error { return g.Value.UnmarshalJSON(b) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ScopeID string
type PlantID string
type HarvestID string
type PatientID string
type DistributionID string
type ExtractID string

// CounterName selects which logical sequence counter to advance within a
// scope. Separate counters per entity type keep plant and harvest
// sequences from colliding.
type CounterName string

const (
	CounterPlants   CounterName = "plants"
	CounterClones   CounterName = "clones"
	CounterHarvests CounterName = "harvests"
	CounterExtracts CounterName = "extracts"
)

// =============================================================================
// SCOPE - Namespace for counters and control numbers
// =============================================================================

type ScopeKind string

const (
	ScopeEnvironment ScopeKind = "environment" // a growing environment
	ScopeAssociation ScopeKind = "association" // the tenant
)

// Scope is the entity a sequence counter or control number is namespaced
// to. The display name drives the scope tag of issued control numbers;
// renaming a scope never changes already-issued numbers.
type Scope struct {
	ID        ScopeID   `json:"id"`
	Kind      ScopeKind `json:"kind"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// PLANT
// =============================================================================

type Plant struct {
	ID            PlantID       `json:"id"`
	ControlNumber ControlNumber `json:"controlNumber"`
	ScopeID       ScopeID       `json:"scopeId"`
	Strain        string        `json:"strain"`
	Stage         string        `json:"stage"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`

	// Tombstone. A deleted plant stays visible through the harvests that
	// reference it; compliance traceability forbids physical deletes.
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (p *Plant) Deleted() bool { return p.DeletedAt != nil }

// =============================================================================
// HARVEST - One cultivation yield
// =============================================================================

type Harvest struct {
	ID                 HarvestID     `json:"id"`
	ControlNumber      ControlNumber `json:"controlNumber"`
	PlantID            PlantID       `json:"plantId"`
	PlantControlNumber ControlNumber `json:"plantControlNumber"`
	ScopeID            ScopeID       `json:"scopeId"`
	HarvestedOn        time.Time     `json:"harvestedOn"`

	// Weight measurements. Wet is required at creation; the others are
	// recorded over time and must be monotonically more refined.
	WetWeight   Grams  `json:"wetWeight"`
	DryWeight   *Grams `json:"dryWeight,omitempty"`
	FinalWeight *Grams `json:"finalWeight,omitempty"`
	TrimWeight  *Grams `json:"trimWeight,omitempty"`

	// Cumulative consumed totals. Written exclusively by the weight
	// ledger; no generic patch path may touch them.
	DistributedGrams Grams `json:"distributedGrams"`
	ExtractedGrams   Grams `json:"extractedGrams"`

	Status  HarvestStatus `json:"status"`
	Purpose string        `json:"purpose"`

	// Version backs optimistic concurrency on the harvest document.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BestAvailableWeight is the most refined weight that is present and
// positive: final over dry over wet.
func (h *Harvest) BestAvailableWeight() Grams {
	if h.FinalWeight != nil && h.FinalWeight.IsPositive() {
		return *h.FinalWeight
	}
	if h.DryWeight != nil && h.DryWeight.IsPositive() {
		return *h.DryWeight
	}
	return h.WetWeight
}

// ConsumedGrams is the total already drawn by distributions and extractions.
func (h *Harvest) ConsumedGrams() Grams {
	return h.DistributedGrams.Add(h.ExtractedGrams)
}

// AvailableWeight is the portion of the best-known weight not yet
// allocated to any distribution or extraction.
func (h *Harvest) AvailableWeight() Grams {
	return h.BestAvailableWeight().Sub(h.ConsumedGrams())
}

// Clone returns a deep copy. Harvest carries pointer fields, so callers
// that hold snapshots across mutations must not alias them.
func (h *Harvest) Clone() *Harvest {
	c := *h
	c.DryWeight = cloneGrams(h.DryWeight)
	c.FinalWeight = cloneGrams(h.FinalWeight)
	c.TrimWeight = cloneGrams(h.TrimWeight)
	return &c
}

func cloneGrams(g *Grams) *Grams {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}

// =============================================================================
// PATIENT
// =============================================================================

type Patient struct {
	ID        PatientID  `json:"id"`
	Name      string     `json:"name"`
	Ident     string     `json:"ident"` // external member/patient identifier
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (p *Patient) Deleted() bool { return p.DeletedAt != nil }

// =============================================================================
// DISTRIBUTION / EXTRACT - Immutable consumers of harvest weight
// =============================================================================

// SourceAllocation records the quantity a distribution or extract drew
// from one harvest. The harvest control number is denormalized so the
// record stays readable even if the harvest is later removed.
type SourceAllocation struct {
	HarvestID            HarvestID     `json:"harvestId"`
	HarvestControlNumber ControlNumber `json:"harvestControlNumber"`
	Grams                Grams         `json:"grams"`
	Milliliters          *Grams        `json:"milliliters,omitempty"`
}

// Distribution is a hand-out of harvested material to a patient.
// Immutable once created; creating one is the only way a harvest's
// DistributedGrams increases.
type Distribution struct {
	ID          DistributionID     `json:"id"`
	PatientID   PatientID          `json:"patientId"`
	PatientName string             `json:"patientName"` // denormalized display field
	Sources     []SourceAllocation `json:"sources"`

	// AllocationKey is the caller-supplied idempotency key. Replaying a
	// committed key must not double-count.
	AllocationKey string    `json:"allocationKey,omitempty"`
	DistributedOn time.Time `json:"distributedOn"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Extract is harvested material consumed to produce a derived product.
// Immutable once created; creating one is the only way a harvest's
// ExtractedGrams increases.
type Extract struct {
	ID            ExtractID          `json:"id"`
	ControlNumber ControlNumber      `json:"controlNumber"`
	ScopeID       ScopeID            `json:"scopeId"` // the association the extract number is scoped to
	Kind          string             `json:"kind"`    // e.g. "oil", "tincture"
	Sources       []SourceAllocation `json:"sources"`
	AllocationKey string             `json:"allocationKey,omitempty"`
	ProducedOn    time.Time          `json:"producedOn"`
	CreatedAt     time.Time          `json:"createdAt"`
}
