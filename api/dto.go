/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/verdant/cultivation-ledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CreateScopeRequest registers a growing environment or the association.
type CreateScopeRequest struct {
	Kind string `json:"kind"` // "environment" or "association"
	Name string `json:"name"`
}

// ScopeDTO represents a scope in API responses.
type ScopeDTO struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// CreatePlantRequest is the request to register a plant or clone.
type CreatePlantRequest struct {
	ScopeID string `json:"scope_id"`
	Strain  string `json:"strain"`
	Stage   string `json:"stage"`
	Clone   bool   `json:"clone"`
}

// UpdatePlantRequest carries the optional descriptive fields of a plant.
type UpdatePlantRequest struct {
	Strain *string `json:"strain,omitempty"`
	Stage  *string `json:"stage,omitempty"`
}

// PlantDTO represents a plant in API responses.
type PlantDTO struct {
	ID            string `json:"id"`
	ControlNumber string `json:"control_number"`
	ScopeID       string `json:"scope_id"`
	Strain        string `json:"strain"`
	Stage         string `json:"stage"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	Deleted       bool   `json:"deleted,omitempty"`
}

// CreateHarvestRequest records a new harvest for a plant.
type CreateHarvestRequest struct {
	HarvestedOn string   `json:"harvested_on,omitempty"` // ISO date, defaults to today
	WetGrams    string   `json:"wet_grams"`              // decimal string
	TrimGrams   *string  `json:"trim_grams,omitempty"`
	Purpose     string   `json:"purpose,omitempty"`
}

// RecordWeightRequest records one staged weight measurement.
type RecordWeightRequest struct {
	Stage string `json:"stage"` // "dry", "final" or "trim"
	Grams string `json:"grams"` // decimal string
}

// OverrideStatusRequest moves a harvest to an explicit status.
type OverrideStatusRequest struct {
	Status string `json:"status"`
}

// UpdateHarvestRequest carries the optional descriptive fields of a harvest.
type UpdateHarvestRequest struct {
	Purpose     *string `json:"purpose,omitempty"`
	HarvestedOn *string `json:"harvested_on,omitempty"` // ISO date
}

// HarvestDTO represents a harvest in API responses. Weights and consumed
// totals are decimal strings to preserve precision across the wire.
type HarvestDTO struct {
	ID                 string  `json:"id"`
	ControlNumber      string  `json:"control_number"`
	PlantID            string  `json:"plant_id"`
	PlantControlNumber string  `json:"plant_control_number"`
	ScopeID            string  `json:"scope_id"`
	HarvestedOn        string  `json:"harvested_on"`
	WetWeight          string  `json:"wet_weight"`
	DryWeight          *string `json:"dry_weight,omitempty"`
	FinalWeight        *string `json:"final_weight,omitempty"`
	TrimWeight         *string `json:"trim_weight,omitempty"`
	DistributedGrams   string  `json:"distributed_grams"`
	ExtractedGrams     string  `json:"extracted_grams"`
	AvailableWeight    string  `json:"available_weight"`
	Status             string  `json:"status"`
	Purpose            string  `json:"purpose,omitempty"`
	Version            int64   `json:"version"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// CreatePatientRequest registers a patient.
type CreatePatientRequest struct {
	Name  string `json:"name"`
	Ident string `json:"ident,omitempty"`
}

// UpdatePatientRequest carries the optional mutable fields of a patient.
type UpdatePatientRequest struct {
	Name  *string `json:"name,omitempty"`
	Ident *string `json:"ident,omitempty"`
}

// PatientDTO represents a patient in API responses.
type PatientDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Ident     string `json:"ident,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// SourceDTO names one harvest and the quantity drawn from it.
type SourceDTO struct {
	HarvestID            string  `json:"harvest_id"`
	HarvestControlNumber string  `json:"harvest_control_number,omitempty"`
	Grams                string  `json:"grams"`
	Milliliters          *string `json:"milliliters,omitempty"`
}

// CreateDistributionRequest hands harvested material to a patient.
type CreateDistributionRequest struct {
	PatientID     string      `json:"patient_id"`
	Sources       []SourceDTO `json:"sources"`
	AllocationKey string      `json:"allocation_key,omitempty"`
	DistributedOn string      `json:"distributed_on,omitempty"` // ISO date
}

// DistributionDTO represents a distribution in API responses.
type DistributionDTO struct {
	ID            string      `json:"id"`
	PatientID     string      `json:"patient_id"`
	PatientName   string      `json:"patient_name"`
	Sources       []SourceDTO `json:"sources"`
	AllocationKey string      `json:"allocation_key,omitempty"`
	DistributedOn string      `json:"distributed_on"`
	CreatedAt     string      `json:"created_at"`
}

// CreateExtractRequest consumes harvested material into a derived product.
type CreateExtractRequest struct {
	ScopeID       string      `json:"scope_id"`
	Kind          string      `json:"kind,omitempty"`
	Sources       []SourceDTO `json:"sources"`
	AllocationKey string      `json:"allocation_key,omitempty"`
	ProducedOn    string      `json:"produced_on,omitempty"` // ISO date
}

// ExtractDTO represents an extract in API responses.
type ExtractDTO struct {
	ID            string      `json:"id"`
	ControlNumber string      `json:"control_number"`
	ScopeID       string      `json:"scope_id"`
	Kind          string      `json:"kind,omitempty"`
	Sources       []SourceDTO `json:"sources"`
	AllocationKey string      `json:"allocation_key,omitempty"`
	ProducedOn    string      `json:"produced_on"`
	CreatedAt     string      `json:"created_at"`
}

// AuditEntryDTO represents one immutable audit record.
type AuditEntryDTO struct {
	ID            string   `json:"id"`
	Timestamp     string   `json:"timestamp"`
	Actor         string   `json:"actor,omitempty"`
	Action        string   `json:"action"`
	EntityType    string   `json:"entity_type"`
	EntityID      string   `json:"entity_id"`
	EntityName    string   `json:"entity_name,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
	Before        string   `json:"before,omitempty"`
	After         string   `json:"after,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toScopeDTO(s *ledger.Scope) ScopeDTO {
	return ScopeDTO{
		ID:        string(s.ID),
		Kind:      string(s.Kind),
		Name:      s.Name,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

func toPlantDTO(p *ledger.Plant) PlantDTO {
	return PlantDTO{
		ID:            string(p.ID),
		ControlNumber: string(p.ControlNumber),
		ScopeID:       string(p.ScopeID),
		Strain:        p.Strain,
		Stage:         p.Stage,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
		Deleted:       p.Deleted(),
	}
}

func toHarvestDTO(h *ledger.Harvest) HarvestDTO {
	return HarvestDTO{
		ID:                 string(h.ID),
		ControlNumber:      string(h.ControlNumber),
		PlantID:            string(h.PlantID),
		PlantControlNumber: string(h.PlantControlNumber),
		ScopeID:            string(h.ScopeID),
		HarvestedOn:        h.HarvestedOn.Format("2006-01-02"),
		WetWeight:          h.WetWeight.String(),
		DryWeight:          gramsPtrString(h.DryWeight),
		FinalWeight:        gramsPtrString(h.FinalWeight),
		TrimWeight:         gramsPtrString(h.TrimWeight),
		DistributedGrams:   h.DistributedGrams.String(),
		ExtractedGrams:     h.ExtractedGrams.String(),
		AvailableWeight:    h.AvailableWeight().String(),
		Status:             string(h.Status),
		Purpose:            h.Purpose,
		Version:            h.Version,
		CreatedAt:          h.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          h.UpdatedAt.Format(time.RFC3339),
	}
}

func toPatientDTO(p *ledger.Patient) PatientDTO {
	return PatientDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Ident:     p.Ident,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
		Deleted:   p.Deleted(),
	}
}

func toSourceDTOs(sources []ledger.SourceAllocation) []SourceDTO {
	dtos := make([]SourceDTO, len(sources))
	for i, src := range sources {
		dtos[i] = SourceDTO{
			HarvestID:            string(src.HarvestID),
			HarvestControlNumber: string(src.HarvestControlNumber),
			Grams:                src.Grams.String(),
			Milliliters:          gramsPtrString(src.Milliliters),
		}
	}
	return dtos
}

func toDistributionDTO(d *ledger.Distribution) DistributionDTO {
	return DistributionDTO{
		ID:            string(d.ID),
		PatientID:     string(d.PatientID),
		PatientName:   d.PatientName,
		Sources:       toSourceDTOs(d.Sources),
		AllocationKey: d.AllocationKey,
		DistributedOn: d.DistributedOn.Format("2006-01-02"),
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
}

func toExtractDTO(e *ledger.Extract) ExtractDTO {
	return ExtractDTO{
		ID:            string(e.ID),
		ControlNumber: string(e.ControlNumber),
		ScopeID:       string(e.ScopeID),
		Kind:          e.Kind,
		Sources:       toSourceDTOs(e.Sources),
		AllocationKey: e.AllocationKey,
		ProducedOn:    e.ProducedOn.Format("2006-01-02"),
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

func toAuditEntryDTO(e ledger.AuditLogEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            e.ID,
		Timestamp:     e.Timestamp.Format(time.RFC3339),
		Actor:         e.Actor,
		Action:        string(e.Action),
		EntityType:    string(e.EntityType),
		EntityID:      e.EntityID,
		EntityName:    e.EntityName,
		ChangedFields: e.ChangedFields,
		Before:        e.BeforeJSON,
		After:         e.AfterJSON,
	}
}

func gramsPtrString(g *ledger.Grams) *string {
	if g == nil {
		return nil
	}
	s := g.String()
	return &s
}
