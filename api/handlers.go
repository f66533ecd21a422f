/*
handlers.go - HTTP API handlers for the cultivation ledger

PURPOSE:
  Exposes the ledger façade via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every mutation to the domain layer.

ENDPOINTS:
  Scopes:
    POST   /api/scopes                     Register an environment/association
    GET    /api/scopes/{id}                Get scope details

  Plants:
    POST   /api/plants                     Register a plant (issues control number)
    GET    /api/plants/{id}                Get plant details
    PUT    /api/plants/{id}                Update descriptive fields
    POST   /api/plants/{id}/harvests       Record a harvest of this plant

  Harvests:
    GET    /api/harvests/{id}              Get harvest details
    PUT    /api/harvests/{id}              Update descriptive fields
    POST   /api/harvests/{id}/weights      Record a staged weight
    POST   /api/harvests/{id}/status       Override the lifecycle status

  Patients:
    POST   /api/patients                   Register a patient
    GET    /api/patients/{id}              Get patient details
    PUT    /api/patients/{id}              Update patient fields

  Allocations:
    POST   /api/distributions              Distribute material to a patient
    GET    /api/distributions/{id}         Get distribution details
    POST   /api/extracts                   Produce an extract from harvests
    GET    /api/extracts/{id}              Get extract details

  Deletion & audit:
    DELETE /api/{type}/{id}                Delete under compliance rules
    GET    /api/audit                      Query the audit trail

ACTOR ATTRIBUTION:
  Every mutating request reads the X-Actor header; the value is recorded
  on the audit entry. Missing header means an anonymous mutation, which
  is recorded as such rather than rejected.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Entity not found
  - 409: Conflict (duplicate allocation, concurrent modification,
         conservation violations, consumed-harvest deletes)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/facade.go: The domain operations behind these handlers
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/verdant/cultivation-ledger/ledger"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
}

// NewHandler creates a new handler over the ledger façade.
func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{Service: svc}
}

// =============================================================================
// SCOPE HANDLERS
// =============================================================================

// CreateScope registers a growing environment or the association.
func (h *Handler) CreateScope(w http.ResponseWriter, r *http.Request) {
	var req CreateScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.Kind != string(ledger.ScopeEnvironment) && req.Kind != string(ledger.ScopeAssociation) {
		writeError(w, http.StatusBadRequest, "kind must be environment or association", nil)
		return
	}

	scope, err := h.Service.CreateScope(r.Context(), ledger.CreateScopeInput{
		Kind: ledger.ScopeKind(req.Kind),
		Name: req.Name,
	})
	if err != nil {
		writeDomainError(w, "Failed to create scope", err)
		return
	}
	writeJSON(w, http.StatusCreated, toScopeDTO(scope))
}

// GetScope returns a single scope.
func (h *Handler) GetScope(w http.ResponseWriter, r *http.Request) {
	scope, err := h.Service.GetScope(r.Context(), ledger.ScopeID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get scope", err)
		return
	}
	writeJSON(w, http.StatusOK, toScopeDTO(scope))
}

// =============================================================================
// PLANT HANDLERS
// =============================================================================

// CreatePlant registers a plant or clone and issues its control number.
func (h *Handler) CreatePlant(w http.ResponseWriter, r *http.Request) {
	var req CreatePlantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ScopeID == "" {
		writeError(w, http.StatusBadRequest, "scope_id is required", nil)
		return
	}

	plant, err := h.Service.CreatePlant(r.Context(), ledger.CreatePlantInput{
		ScopeID: ledger.ScopeID(req.ScopeID),
		Strain:  req.Strain,
		Stage:   req.Stage,
		Clone:   req.Clone,
		Actor:   actor(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to create plant", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlantDTO(plant))
}

// GetPlant returns a single plant.
func (h *Handler) GetPlant(w http.ResponseWriter, r *http.Request) {
	plant, err := h.Service.GetPlant(r.Context(), ledger.PlantID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get plant", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlantDTO(plant))
}

// UpdatePlant applies a partial update to descriptive fields.
func (h *Handler) UpdatePlant(w http.ResponseWriter, r *http.Request) {
	var req UpdatePlantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	plant, err := h.Service.UpdatePlant(r.Context(), ledger.PlantID(chi.URLParam(r, "id")),
		ledger.PlantPatch{Strain: req.Strain, Stage: req.Stage}, actor(r))
	if err != nil {
		writeDomainError(w, "Failed to update plant", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlantDTO(plant))
}

// =============================================================================
// HARVEST HANDLERS
// =============================================================================

// CreateHarvest records a new harvest for a plant.
// POST /api/plants/{id}/harvests
func (h *Handler) CreateHarvest(w http.ResponseWriter, r *http.Request) {
	var req CreateHarvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wet, err := parseGrams(req.WetGrams)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid wet_grams", err)
		return
	}
	var trim *ledger.Grams
	if req.TrimGrams != nil {
		g, err := parseGrams(*req.TrimGrams)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid trim_grams", err)
			return
		}
		trim = &g
	}
	harvestedOn, err := parseDate(req.HarvestedOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid harvested_on", err)
		return
	}

	harvest, err := h.Service.CreateHarvest(r.Context(), ledger.CreateHarvestInput{
		PlantID:     ledger.PlantID(chi.URLParam(r, "id")),
		HarvestedOn: harvestedOn,
		WetGrams:    wet,
		TrimGrams:   trim,
		Purpose:     req.Purpose,
		Actor:       actor(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to create harvest", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHarvestDTO(harvest))
}

// GetHarvest returns a single harvest with its derived available weight.
func (h *Handler) GetHarvest(w http.ResponseWriter, r *http.Request) {
	harvest, err := h.Service.GetHarvest(r.Context(), ledger.HarvestID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get harvest", err)
		return
	}
	writeJSON(w, http.StatusOK, toHarvestDTO(harvest))
}

// RecordWeight records one staged weight measurement.
// POST /api/harvests/{id}/weights
func (h *Handler) RecordWeight(w http.ResponseWriter, r *http.Request) {
	var req RecordWeightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	grams, err := parseGrams(req.Grams)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid grams", err)
		return
	}

	harvest, err := h.Service.RecordHarvestWeight(r.Context(), ledger.RecordWeightInput{
		HarvestID: ledger.HarvestID(chi.URLParam(r, "id")),
		Stage:     ledger.WeightStage(req.Stage),
		Grams:     grams,
		Actor:     actor(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to record weight", err)
		return
	}
	writeJSON(w, http.StatusOK, toHarvestDTO(harvest))
}

// OverrideStatus moves a harvest to an explicit lifecycle status.
// POST /api/harvests/{id}/status
func (h *Handler) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	var req OverrideStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	harvest, err := h.Service.OverrideHarvestStatus(r.Context(),
		ledger.HarvestID(chi.URLParam(r, "id")), req.Status, actor(r))
	if err != nil {
		writeDomainError(w, "Failed to override status", err)
		return
	}
	writeJSON(w, http.StatusOK, toHarvestDTO(harvest))
}

// UpdateHarvest applies a partial update to descriptive fields.
func (h *Handler) UpdateHarvest(w http.ResponseWriter, r *http.Request) {
	var req UpdateHarvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := ledger.HarvestPatch{Purpose: req.Purpose}
	if req.HarvestedOn != nil {
		d, err := parseDate(*req.HarvestedOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid harvested_on", err)
			return
		}
		patch.HarvestedOn = &d
	}

	harvest, err := h.Service.UpdateHarvest(r.Context(), ledger.HarvestID(chi.URLParam(r, "id")), patch, actor(r))
	if err != nil {
		writeDomainError(w, "Failed to update harvest", err)
		return
	}
	writeJSON(w, http.StatusOK, toHarvestDTO(harvest))
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// CreatePatient registers a patient.
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	patient, err := h.Service.CreatePatient(r.Context(), ledger.CreatePatientInput{
		Name:  req.Name,
		Ident: req.Ident,
		Actor: actor(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to create patient", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientDTO(patient))
}

// GetPatient returns a single patient.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := h.Service.GetPatient(r.Context(), ledger.PatientID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get patient", err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(patient))
}

// UpdatePatient applies a partial update.
func (h *Handler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	var req UpdatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patient, err := h.Service.UpdatePatient(r.Context(), ledger.PatientID(chi.URLParam(r, "id")),
		ledger.PatientPatch{Name: req.Name, Ident: req.Ident}, actor(r))
	if err != nil {
		writeDomainError(w, "Failed to update patient", err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(patient))
}

// =============================================================================
// DISTRIBUTION / EXTRACT HANDLERS
// =============================================================================

// CreateDistribution distributes material from one or more harvests to a
// patient. All allocations succeed or none apply.
func (h *Handler) CreateDistribution(w http.ResponseWriter, r *http.Request) {
	var req CreateDistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sources, err := parseSources(req.Sources)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sources", err)
		return
	}
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, "At least one source is required", nil)
		return
	}
	distributedOn, err := parseDate(req.DistributedOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid distributed_on", err)
		return
	}

	dist, err := h.Service.CreateDistribution(r.Context(), ledger.CreateDistributionInput{
		PatientID:     ledger.PatientID(req.PatientID),
		Sources:       sources,
		AllocationKey: req.AllocationKey,
		DistributedOn: distributedOn,
		Actor:         actor(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to create distribution", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDistributionDTO(dist))
}

// GetDistribution returns a single distribution.
func (h *Handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := h.Service.GetDistribution(r.Context(), ledger.DistributionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get distribution", err)
		return
	}
	if dist == nil {
		writeError(w, http.StatusNotFound, "Distribution not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(dist))
}

// CreateExtract produces a derived product from one or more harvests and
// issues its control number.
func (h *Handler) CreateExtract(w http.ResponseWriter, r *http.Request) {
	var req CreateExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sources, err := parseSources(req.Sources)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sources", err)
		return
	}
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, "At least one source is required", nil)
		return
	}
	producedOn, err := parseDate(req.ProducedOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid produced_on", err)
		return
	}

	extract, err := h.Service.CreateExtract(r.Context(), ledger.CreateExtractInput{
		ScopeID:       ledger.ScopeID(req.ScopeID),
		Kind:          req.Kind,
		Sources:       sources,
		AllocationKey: req.AllocationKey,
		ProducedOn:    producedOn,
		Actor:         actor(r),
	})
	if err != nil {
		writeDomainError(w, "Failed to create extract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExtractDTO(extract))
}

// GetExtract returns a single extract.
func (h *Handler) GetExtract(w http.ResponseWriter, r *http.Request) {
	extract, err := h.Service.GetExtract(r.Context(), ledger.ExtractID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get extract", err)
		return
	}
	if extract == nil {
		writeError(w, http.StatusNotFound, "Extract not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toExtractDTO(extract))
}

// =============================================================================
// DELETION & AUDIT
// =============================================================================

var deletableTypes = map[string]ledger.EntityType{
	"plants":        ledger.EntityPlant,
	"harvests":      ledger.EntityHarvest,
	"patients":      ledger.EntityPatient,
	"distributions": ledger.EntityDistribution,
	"extracts":      ledger.EntityExtract,
}

// DeleteEntity deletes a regulated entity under the compliance rules.
// DELETE /api/{type}/{id}
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityType, ok := deletableTypes[chi.URLParam(r, "type")]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown entity type", nil)
		return
	}

	if err := h.Service.DeleteEntity(r.Context(), entityType, chi.URLParam(r, "id"), actor(r)); err != nil {
		writeDomainError(w, "Failed to delete entity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryAudit returns matching audit entries, reverse-chronological.
// GET /api/audit?entity_type=&entity_id=&action=&actor=&from=&to=&limit=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	var filter ledger.AuditFilter
	q := r.URL.Query()

	if v := q.Get("entity_type"); v != "" {
		et := ledger.EntityType(v)
		filter.EntityType = &et
	}
	if v := q.Get("entity_id"); v != "" {
		filter.EntityID = &v
	}
	if v := q.Get("action"); v != "" {
		a := ledger.AuditAction(v)
		filter.Action = &a
	}
	if v := q.Get("actor"); v != "" {
		filter.Actor = &v
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from timestamp", err)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to timestamp", err)
			return
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Service.AuditTrail(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to query audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// actor reads the attribution header for audit entries.
func actor(r *http.Request) string {
	return r.Header.Get("X-Actor")
}

func parseGrams(s string) (ledger.Grams, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.ZeroGrams(), err
	}
	return ledger.Grams{Value: d}, nil
}

// parseDate accepts an ISO date or a full RFC3339 timestamp, matching
// the audit-query time parameters. Empty means "use the server clock".
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseSources(dtos []SourceDTO) ([]ledger.SourceInput, error) {
	sources := make([]ledger.SourceInput, 0, len(dtos))
	for _, dto := range dtos {
		grams, err := parseGrams(dto.Grams)
		if err != nil {
			return nil, err
		}
		src := ledger.SourceInput{
			HarvestID: ledger.HarvestID(dto.HarvestID),
			Grams:     grams,
		}
		if dto.Milliliters != nil {
			ml, err := parseGrams(*dto.Milliliters)
			if err != nil {
				return nil, err
			}
			src.Milliliters = &ml
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicateAllocation),
		errors.Is(err, ledger.ErrHarvestConsumed),
		errors.Is(err, ledger.ErrImmutableEntity),
		errors.Is(err, ledger.ErrInsufficientAvailableWeight),
		ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
