/*
facade.go - Ledger entry point composing whole-operation transactions

PURPOSE:
  The Service is what screens call. Each method composes the sequence
  issuer, weight ledger, status machine and audit recorder into one
  atomic operation: issue any needed control number, perform the
  mutation, persist the entity state, append the audit entry. Steps run
  inside a single store transaction; if any step fails, no partial state
  (neither the entity mutation nor the audit entry) is visible to
  subsequent readers.

SCHEDULING:
  Request/response only. Each operation is invoked by a single caller
  and runs to completion or failure; there is no background scheduler.
  Once the store accepts a commit, caller-side cancellation does not
  roll it back: "operation completed, caller didn't see the response"
  beats partial application.

SEE ALSO:
  - sequence.go, weight.go, status.go, audit.go: the composed parts
  - store.go: the WithTx contract that makes the grouping atomic
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Service is the ledger façade. It is the only component that talks to
// the backing store on behalf of the ledger.
type Service struct {
	store   TxStore
	issuer  *Issuer
	weights *WeightLedger
	audit   *Recorder

	// Now is the clock for entity timestamps. Nil means time.Now.
	Now func() time.Time
}

// NewService wires a façade over a transactional store.
func NewService(store TxStore) *Service {
	return &Service{
		store:   store,
		issuer:  &Issuer{},
		weights: &WeightLedger{},
		audit:   &Recorder{},
	}
}

// =============================================================================
// SCOPES
// =============================================================================

type CreateScopeInput struct {
	Kind ScopeKind
	Name string
}

// CreateScope registers a growing environment or the association.
// Scopes are containers, not regulated entities; they are not audited.
func (svc *Service) CreateScope(ctx context.Context, in CreateScopeInput) (*Scope, error) {
	if in.Kind != ScopeEnvironment && in.Kind != ScopeAssociation {
		return nil, fmt.Errorf("unknown scope kind %q", in.Kind)
	}
	if in.Name == "" {
		return nil, fmt.Errorf("scope name is required")
	}

	scope := Scope{
		ID:        ScopeID(uuid.NewString()),
		Kind:      in.Kind,
		Name:      in.Name,
		CreatedAt: svc.now(),
	}
	if err := svc.store.SaveScope(ctx, scope); err != nil {
		return nil, &PersistenceError{Op: "save scope", Err: err}
	}
	return &scope, nil
}

func (svc *Service) GetScope(ctx context.Context, id ScopeID) (*Scope, error) {
	scope, err := svc.store.GetScope(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load scope", Err: err}
	}
	if scope == nil {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, id)
	}
	return scope, nil
}

// =============================================================================
// PLANTS
// =============================================================================

type CreatePlantInput struct {
	ScopeID ScopeID
	Strain  string
	Stage   string
	Clone   bool // clones get CL- numbers from their own counter
	Actor   string
}

func (svc *Service) CreatePlant(ctx context.Context, in CreatePlantInput) (*Plant, error) {
	kind := KindPlant
	if in.Clone {
		kind = KindClone
	}

	var plant *Plant
	err := svc.store.WithTx(ctx, func(s Store) error {
		cn, err := svc.issuer.Issue(ctx, s, in.ScopeID, kind)
		if err != nil {
			return err
		}

		now := svc.now()
		plant = &Plant{
			ID:            PlantID(uuid.NewString()),
			ControlNumber: cn,
			ScopeID:       in.ScopeID,
			Strain:        in.Strain,
			Stage:         in.Stage,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.SavePlant(ctx, *plant); err != nil {
			return &PersistenceError{Op: "save plant", Err: err}
		}

		_, err = svc.audit.Record(ctx, s, AuditCreate, EntityPlant, string(plant.ID), string(cn), in.Actor, nil, plant)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plant, nil
}

func (svc *Service) GetPlant(ctx context.Context, id PlantID) (*Plant, error) {
	plant, err := svc.store.GetPlant(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load plant", Err: err}
	}
	if plant == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlantNotFound, id)
	}
	return plant, nil
}

// UpdatePlant applies a typed patch and records the diff.
func (svc *Service) UpdatePlant(ctx context.Context, id PlantID, patch PlantPatch, actor string) (*Plant, error) {
	var updated *Plant
	err := svc.store.WithTx(ctx, func(s Store) error {
		plant, err := s.GetPlant(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load plant", Err: err}
		}
		if plant == nil || plant.Deleted() {
			return fmt.Errorf("%w: %s", ErrPlantNotFound, id)
		}

		before := *plant
		patch.apply(plant)
		plant.UpdatedAt = svc.now()
		if err := s.SavePlant(ctx, *plant); err != nil {
			return &PersistenceError{Op: "save plant", Err: err}
		}

		_, err = svc.audit.Record(ctx, s, AuditUpdate, EntityPlant, string(id), string(plant.ControlNumber), actor, before, plant)
		updated = plant
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// HARVESTS
// =============================================================================

type CreateHarvestInput struct {
	PlantID     PlantID
	HarvestedOn time.Time
	WetGrams    Grams
	TrimGrams   *Grams
	Purpose     string
	Actor       string
}

// CreateHarvest issues the harvest control number, creates the harvest
// in status fresh with its required wet weight, and audits the creation
// as one transaction.
func (svc *Service) CreateHarvest(ctx context.Context, in CreateHarvestInput) (*Harvest, error) {
	if !in.WetGrams.IsPositive() {
		return nil, &InvalidWeightError{Stage: "wet", Grams: in.WetGrams, Reason: "weight must be positive"}
	}
	if in.TrimGrams != nil && !in.TrimGrams.IsPositive() {
		return nil, &InvalidWeightError{Stage: StageTrim, Grams: *in.TrimGrams, Reason: "weight must be positive"}
	}

	var harvest *Harvest
	err := svc.store.WithTx(ctx, func(s Store) error {
		plant, err := s.GetPlant(ctx, in.PlantID)
		if err != nil {
			return &PersistenceError{Op: "load plant", Err: err}
		}
		if plant == nil || plant.Deleted() {
			return fmt.Errorf("%w: %s", ErrPlantNotFound, in.PlantID)
		}

		cn, err := svc.issuer.Issue(ctx, s, plant.ScopeID, KindHarvest)
		if err != nil {
			return err
		}

		now := svc.now()
		harvestedOn := in.HarvestedOn
		if harvestedOn.IsZero() {
			harvestedOn = now
		}
		harvest = &Harvest{
			ID:                 HarvestID(uuid.NewString()),
			ControlNumber:      cn,
			PlantID:            plant.ID,
			PlantControlNumber: plant.ControlNumber,
			ScopeID:            plant.ScopeID,
			HarvestedOn:        harvestedOn,
			WetWeight:          in.WetGrams,
			TrimWeight:         cloneGrams(in.TrimGrams),
			DistributedGrams:   ZeroGrams(),
			ExtractedGrams:     ZeroGrams(),
			Status:             StatusFresh,
			Purpose:            in.Purpose,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.CreateHarvest(ctx, *harvest); err != nil {
			return &PersistenceError{Op: "create harvest", Err: err}
		}

		_, err = svc.audit.Record(ctx, s, AuditCreate, EntityHarvest, string(harvest.ID), string(cn), in.Actor, nil, harvest)
		return err
	})
	if err != nil {
		return nil, err
	}
	return harvest, nil
}

func (svc *Service) GetHarvest(ctx context.Context, id HarvestID) (*Harvest, error) {
	h, err := svc.store.GetHarvest(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load harvest", Err: err}
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrHarvestNotFound, id)
	}
	return h, nil
}

type RecordWeightInput struct {
	HarvestID HarvestID
	Stage     WeightStage
	Grams     Grams
	Actor     string
}

// RecordHarvestWeight records a measurement, applies any implied status
// transition, and audits the change, all in one transaction.
func (svc *Service) RecordHarvestWeight(ctx context.Context, in RecordWeightInput) (*Harvest, error) {
	if !in.Grams.IsPositive() {
		return nil, &InvalidWeightError{HarvestID: in.HarvestID, Stage: in.Stage, Grams: in.Grams, Reason: "weight must be positive"}
	}

	var after *Harvest
	err := svc.store.WithTx(ctx, func(s Store) error {
		before, err := s.GetHarvest(ctx, in.HarvestID)
		if err != nil {
			return &PersistenceError{Op: "load harvest", Err: err}
		}
		if before == nil {
			return fmt.Errorf("%w: %s", ErrHarvestNotFound, in.HarvestID)
		}

		after, err = svc.weights.mutate(ctx, s, in.HarvestID, func(h *Harvest) error {
			if err := ApplyWeight(h, in.Stage, in.Grams); err != nil {
				return err
			}
			h.UpdatedAt = svc.now()
			return nil
		})
		if err != nil {
			return err
		}

		_, err = svc.audit.Record(ctx, s, AuditUpdate, EntityHarvest, string(in.HarvestID), string(after.ControlNumber), in.Actor, before, after)
		return err
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// OverrideHarvestStatus moves a harvest to any recognized state.
// Backward moves mirror real-world correction of operator mistakes:
// they are logged as warnings, not rejected.
func (svc *Service) OverrideHarvestStatus(ctx context.Context, id HarvestID, status string, actor string) (*Harvest, error) {
	target, err := ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var after *Harvest
	err = svc.store.WithTx(ctx, func(s Store) error {
		before, err := s.GetHarvest(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load harvest", Err: err}
		}
		if before == nil {
			return fmt.Errorf("%w: %s", ErrHarvestNotFound, id)
		}
		if IsBackward(before.Status, target) {
			log.Printf("warning: harvest %s status moved backward %s -> %s by %s", id, before.Status, target, actor)
		}

		after, err = svc.weights.mutate(ctx, s, id, func(h *Harvest) error {
			h.Status = target
			h.UpdatedAt = svc.now()
			return nil
		})
		if err != nil {
			return err
		}

		_, err = svc.audit.Record(ctx, s, AuditUpdate, EntityHarvest, string(id), string(after.ControlNumber), actor, before, after)
		return err
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// UpdateHarvest applies a typed patch to descriptive fields. Weights,
// status and consumed totals have no patch path on purpose.
func (svc *Service) UpdateHarvest(ctx context.Context, id HarvestID, patch HarvestPatch, actor string) (*Harvest, error) {
	var after *Harvest
	err := svc.store.WithTx(ctx, func(s Store) error {
		before, err := s.GetHarvest(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load harvest", Err: err}
		}
		if before == nil {
			return fmt.Errorf("%w: %s", ErrHarvestNotFound, id)
		}

		after, err = svc.weights.mutate(ctx, s, id, func(h *Harvest) error {
			patch.apply(h)
			h.UpdatedAt = svc.now()
			return nil
		})
		if err != nil {
			return err
		}

		_, err = svc.audit.Record(ctx, s, AuditUpdate, EntityHarvest, string(id), string(after.ControlNumber), actor, before, after)
		return err
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// =============================================================================
// PATIENTS
// =============================================================================

type CreatePatientInput struct {
	Name  string
	Ident string
	Actor string
}

func (svc *Service) CreatePatient(ctx context.Context, in CreatePatientInput) (*Patient, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("patient name is required")
	}

	var patient *Patient
	err := svc.store.WithTx(ctx, func(s Store) error {
		now := svc.now()
		patient = &Patient{
			ID:        PatientID(uuid.NewString()),
			Name:      in.Name,
			Ident:     in.Ident,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.SavePatient(ctx, *patient); err != nil {
			return &PersistenceError{Op: "save patient", Err: err}
		}
		_, err := svc.audit.Record(ctx, s, AuditCreate, EntityPatient, string(patient.ID), patient.Name, in.Actor, nil, patient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return patient, nil
}

func (svc *Service) GetPatient(ctx context.Context, id PatientID) (*Patient, error) {
	p, err := svc.store.GetPatient(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load patient", Err: err}
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return p, nil
}

func (svc *Service) UpdatePatient(ctx context.Context, id PatientID, patch PatientPatch, actor string) (*Patient, error) {
	var updated *Patient
	err := svc.store.WithTx(ctx, func(s Store) error {
		patient, err := s.GetPatient(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load patient", Err: err}
		}
		if patient == nil || patient.Deleted() {
			return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
		}

		before := *patient
		patch.apply(patient)
		patient.UpdatedAt = svc.now()
		if err := s.SavePatient(ctx, *patient); err != nil {
			return &PersistenceError{Op: "save patient", Err: err}
		}
		_, err = svc.audit.Record(ctx, s, AuditUpdate, EntityPatient, string(id), patient.Name, actor, before, patient)
		updated = patient
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// DISTRIBUTIONS / EXTRACTS
// =============================================================================

// SourceInput names one harvest and the quantity to draw from it.
type SourceInput struct {
	HarvestID   HarvestID
	Grams       Grams
	Milliliters *Grams
}

type CreateDistributionInput struct {
	PatientID     PatientID
	Sources       []SourceInput
	AllocationKey string
	DistributedOn time.Time
	Actor         string
}

// CreateDistribution allocates weight from every source harvest, creates
// the immutable distribution record with denormalized control numbers,
// and audits it, all in one transaction. If any single allocation fails,
// none apply.
func (svc *Service) CreateDistribution(ctx context.Context, in CreateDistributionInput) (*Distribution, error) {
	if err := validateSources(in.Sources); err != nil {
		return nil, err
	}

	var dist *Distribution
	err := svc.store.WithTx(ctx, func(s Store) error {
		if err := svc.checkAllocationKey(ctx, s, in.AllocationKey); err != nil {
			return err
		}

		patient, err := s.GetPatient(ctx, in.PatientID)
		if err != nil {
			return &PersistenceError{Op: "load patient", Err: err}
		}
		if patient == nil || patient.Deleted() {
			return fmt.Errorf("%w: %s", ErrPatientNotFound, in.PatientID)
		}

		sources, err := svc.allocateSources(ctx, s, in.Sources, ConsumerDistribution)
		if err != nil {
			return err
		}

		now := svc.now()
		distributedOn := in.DistributedOn
		if distributedOn.IsZero() {
			distributedOn = now
		}
		dist = &Distribution{
			ID:            DistributionID(uuid.NewString()),
			PatientID:     patient.ID,
			PatientName:   patient.Name,
			Sources:       sources,
			AllocationKey: in.AllocationKey,
			DistributedOn: distributedOn,
			CreatedAt:     now,
		}
		if err := s.CreateDistribution(ctx, *dist); err != nil {
			return &PersistenceError{Op: "create distribution", Err: err}
		}

		_, err = svc.audit.Record(ctx, s, AuditCreate, EntityDistribution, string(dist.ID), patient.Name, in.Actor, nil, dist)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dist, nil
}

type CreateExtractInput struct {
	ScopeID       ScopeID // the association scope numbering the extract
	Kind          string
	Sources       []SourceInput
	AllocationKey string
	ProducedOn    time.Time
	Actor         string
}

// CreateExtract issues the EX control number, allocates weight from
// every source harvest, and audits the creation as one transaction.
func (svc *Service) CreateExtract(ctx context.Context, in CreateExtractInput) (*Extract, error) {
	if err := validateSources(in.Sources); err != nil {
		return nil, err
	}

	var extract *Extract
	err := svc.store.WithTx(ctx, func(s Store) error {
		if err := svc.checkAllocationKey(ctx, s, in.AllocationKey); err != nil {
			return err
		}

		// EX numbers form one tenant-wide sequence; only the association
		// scope may number extracts.
		scope, err := s.GetScope(ctx, in.ScopeID)
		if err != nil {
			return &PersistenceError{Op: "load scope", Err: err}
		}
		if scope == nil {
			return fmt.Errorf("%w: %s", ErrScopeNotFound, in.ScopeID)
		}
		if scope.Kind != ScopeAssociation {
			return fmt.Errorf("%w: extracts are numbered by the association, not %s %q",
				ErrInvalidScopeKind, scope.Kind, scope.Name)
		}

		cn, err := svc.issuer.Issue(ctx, s, in.ScopeID, KindExtract)
		if err != nil {
			return err
		}

		sources, err := svc.allocateSources(ctx, s, in.Sources, ConsumerExtraction)
		if err != nil {
			return err
		}

		now := svc.now()
		producedOn := in.ProducedOn
		if producedOn.IsZero() {
			producedOn = now
		}
		extract = &Extract{
			ID:            ExtractID(uuid.NewString()),
			ControlNumber: cn,
			ScopeID:       in.ScopeID,
			Kind:          in.Kind,
			Sources:       sources,
			AllocationKey: in.AllocationKey,
			ProducedOn:    producedOn,
			CreatedAt:     now,
		}
		if err := s.CreateExtract(ctx, *extract); err != nil {
			return &PersistenceError{Op: "create extract", Err: err}
		}

		_, err = svc.audit.Record(ctx, s, AuditCreate, EntityExtract, string(extract.ID), string(cn), in.Actor, nil, extract)
		return err
	})
	if err != nil {
		return nil, err
	}
	return extract, nil
}

func (svc *Service) GetDistribution(ctx context.Context, id DistributionID) (*Distribution, error) {
	d, err := svc.store.GetDistribution(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load distribution", Err: err}
	}
	return d, nil
}

func (svc *Service) GetExtract(ctx context.Context, id ExtractID) (*Extract, error) {
	e, err := svc.store.GetExtract(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "load extract", Err: err}
	}
	return e, nil
}

func validateSources(sources []SourceInput) error {
	if len(sources) == 0 {
		return fmt.Errorf("at least one source harvest is required")
	}
	for _, src := range sources {
		if !src.Grams.IsPositive() {
			return &InvalidWeightError{HarvestID: src.HarvestID, Grams: src.Grams, Reason: "allocation must be positive"}
		}
	}
	return nil
}

func (svc *Service) checkAllocationKey(ctx context.Context, s Store, key string) error {
	if key == "" {
		return nil
	}
	exists, err := s.AllocationKeyExists(ctx, key)
	if err != nil {
		return &PersistenceError{Op: "check allocation key", Err: err}
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAllocation, key)
	}
	return nil
}

func (svc *Service) allocateSources(ctx context.Context, s Store, inputs []SourceInput, kind ConsumerKind) ([]SourceAllocation, error) {
	sources := make([]SourceAllocation, 0, len(inputs))
	for _, src := range inputs {
		h, err := svc.weights.Allocate(ctx, s, src.HarvestID, kind, src.Grams)
		if err != nil {
			return nil, err
		}
		sources = append(sources, SourceAllocation{
			HarvestID:            h.ID,
			HarvestControlNumber: h.ControlNumber,
			Grams:                src.Grams,
			Milliliters:          cloneGrams(src.Milliliters),
		})
	}
	return sources, nil
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteEntity removes a regulated entity under the compliance rules:
// plants and patients are tombstoned and stay visible through the
// records that reference them; a harvest is physically removable only
// while nothing has been drawn from it; distributions and extracts are
// immutable and cannot be deleted at all.
func (svc *Service) DeleteEntity(ctx context.Context, entityType EntityType, id string, actor string) error {
	switch entityType {
	case EntityPlant:
		return svc.deletePlant(ctx, PlantID(id), actor)
	case EntityHarvest:
		return svc.deleteHarvest(ctx, HarvestID(id), actor)
	case EntityPatient:
		return svc.deletePatient(ctx, PatientID(id), actor)
	case EntityDistribution, EntityExtract:
		return fmt.Errorf("%w: %s", ErrImmutableEntity, entityType)
	default:
		return fmt.Errorf("unknown entity type %q", entityType)
	}
}

func (svc *Service) deletePlant(ctx context.Context, id PlantID, actor string) error {
	return svc.store.WithTx(ctx, func(s Store) error {
		plant, err := s.GetPlant(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load plant", Err: err}
		}
		if plant == nil || plant.Deleted() {
			return fmt.Errorf("%w: %s", ErrPlantNotFound, id)
		}

		before := *plant
		now := svc.now()
		plant.DeletedAt = &now
		plant.UpdatedAt = now
		if err := s.SavePlant(ctx, *plant); err != nil {
			return &PersistenceError{Op: "save plant", Err: err}
		}
		_, err = svc.audit.Record(ctx, s, AuditDelete, EntityPlant, string(id), string(plant.ControlNumber), actor, before, nil)
		return err
	})
}

func (svc *Service) deleteHarvest(ctx context.Context, id HarvestID, actor string) error {
	return svc.store.WithTx(ctx, func(s Store) error {
		h, err := s.GetHarvest(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load harvest", Err: err}
		}
		if h == nil {
			return fmt.Errorf("%w: %s", ErrHarvestNotFound, id)
		}
		if consumed := h.ConsumedGrams(); consumed.IsPositive() {
			return &HarvestConsumedError{HarvestID: id, Consumed: consumed}
		}

		if err := s.DeleteHarvest(ctx, id); err != nil {
			return &PersistenceError{Op: "delete harvest", Err: err}
		}
		_, err = svc.audit.Record(ctx, s, AuditDelete, EntityHarvest, string(id), string(h.ControlNumber), actor, h, nil)
		return err
	})
}

func (svc *Service) deletePatient(ctx context.Context, id PatientID, actor string) error {
	return svc.store.WithTx(ctx, func(s Store) error {
		patient, err := s.GetPatient(ctx, id)
		if err != nil {
			return &PersistenceError{Op: "load patient", Err: err}
		}
		if patient == nil || patient.Deleted() {
			return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
		}

		before := *patient
		now := svc.now()
		patient.DeletedAt = &now
		patient.UpdatedAt = now
		if err := s.SavePatient(ctx, *patient); err != nil {
			return &PersistenceError{Op: "save patient", Err: err}
		}
		_, err = svc.audit.Record(ctx, s, AuditDelete, EntityPatient, string(id), patient.Name, actor, before, nil)
		return err
	})
}

// =============================================================================
// AUDIT QUERIES
// =============================================================================

// AuditTrail returns matching audit entries, reverse-chronological.
func (svc *Service) AuditTrail(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	entries, err := svc.store.QueryAudit(ctx, filter)
	if err != nil {
		return nil, &PersistenceError{Op: "query audit", Err: err}
	}
	return entries, nil
}

func (svc *Service) now() time.Time {
	if svc.Now != nil {
		return svc.Now()
	}
	return time.Now().UTC()
}
