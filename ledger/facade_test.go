package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdant/cultivation-ledger/ledger"
	"github.com/verdant/cultivation-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*ledger.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewService(mem), mem
}

func createTestScope(t *testing.T, svc *ledger.Service, kind ledger.ScopeKind, name string) *ledger.Scope {
	t.Helper()
	scope, err := svc.CreateScope(context.Background(), ledger.CreateScopeInput{Kind: kind, Name: name})
	require.NoError(t, err)
	return scope
}

func createTestPlant(t *testing.T, svc *ledger.Service, scopeID ledger.ScopeID) *ledger.Plant {
	t.Helper()
	plant, err := svc.CreatePlant(context.Background(), ledger.CreatePlantInput{
		ScopeID: scopeID,
		Strain:  "OG Kush",
		Stage:   "flowering",
		Actor:   "alice",
	})
	require.NoError(t, err)
	return plant
}

func createTestHarvest(t *testing.T, svc *ledger.Service, plantID ledger.PlantID, wet float64) *ledger.Harvest {
	t.Helper()
	h, err := svc.CreateHarvest(context.Background(), ledger.CreateHarvestInput{
		PlantID:  plantID,
		WetGrams: ledger.NewGrams(wet),
		Purpose:  "flower",
		Actor:    "alice",
	})
	require.NoError(t, err)
	return h
}

func createTestPatient(t *testing.T, svc *ledger.Service, name string) *ledger.Patient {
	t.Helper()
	p, err := svc.CreatePatient(context.Background(), ledger.CreatePatientInput{Name: name, Actor: "alice"})
	require.NoError(t, err)
	return p
}

func auditEntriesFor(t *testing.T, svc *ledger.Service, et ledger.EntityType, id string) []ledger.AuditLogEntry {
	t.Helper()
	entries, err := svc.AuditTrail(context.Background(), ledger.AuditFilter{EntityType: &et, EntityID: &id})
	require.NoError(t, err)
	return entries
}

// =============================================================================
// CREATION & ISSUANCE
// =============================================================================

func TestService_CreatePlant_IssuesNumberAndAudits(t *testing.T) {
	// GIVEN: A registered growing environment
	// WHEN: A plant is registered
	// THEN: It carries a scoped control number and exactly one create
	//       audit entry attributed to the actor

	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")

	plant := createTestPlant(t, svc, scope.ID)

	parts, err := ledger.ParseControlNumber(plant.ControlNumber)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindPlant, parts.Kind)
	assert.Equal(t, "MT", parts.Scope)
	assert.Equal(t, int64(1), parts.Sequence)

	entries := auditEntriesFor(t, svc, ledger.EntityPlant, string(plant.ID))
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditCreate, entries[0].Action)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, string(plant.ControlNumber), entries[0].EntityName)
	assert.Empty(t, entries[0].BeforeJSON)
	assert.NotEmpty(t, entries[0].AfterJSON)
}

func TestService_CreatePlant_CloneUsesOwnCounter(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	ctx := context.Background()

	createTestPlant(t, svc, scope.ID)

	clone, err := svc.CreatePlant(ctx, ledger.CreatePlantInput{ScopeID: scope.ID, Clone: true, Actor: "alice"})
	require.NoError(t, err)

	parts, err := ledger.ParseControlNumber(clone.ControlNumber)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindClone, parts.Kind)
	// The clone counter starts fresh regardless of plant issuance.
	assert.Equal(t, int64(1), parts.Sequence)
}

func TestService_CreateHarvest(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)

	h := createTestHarvest(t, svc, plant.ID, 100)

	assert.Equal(t, ledger.StatusFresh, h.Status)
	assert.Equal(t, int64(1), h.Version)
	assert.Equal(t, plant.ControlNumber, h.PlantControlNumber)
	assert.True(t, h.AvailableWeight().Equal(ledger.NewGrams(100)))

	parts, err := ledger.ParseControlNumber(h.ControlNumber)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindHarvest, parts.Kind)

	entries := auditEntriesFor(t, svc, ledger.EntityHarvest, string(h.ID))
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditCreate, entries[0].Action)
}

func TestService_CreateHarvest_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	ctx := context.Background()

	_, err := svc.CreateHarvest(ctx, ledger.CreateHarvestInput{PlantID: plant.ID, WetGrams: ledger.ZeroGrams(), Actor: "alice"})
	assert.ErrorIs(t, err, ledger.ErrInvalidWeight)

	_, err = svc.CreateHarvest(ctx, ledger.CreateHarvestInput{PlantID: "ghost", WetGrams: ledger.NewGrams(10), Actor: "alice"})
	assert.ErrorIs(t, err, ledger.ErrPlantNotFound)

	// A tombstoned plant cannot be harvested.
	require.NoError(t, svc.DeleteEntity(ctx, ledger.EntityPlant, string(plant.ID), "alice"))
	_, err = svc.CreateHarvest(ctx, ledger.CreateHarvestInput{PlantID: plant.ID, WetGrams: ledger.NewGrams(10), Actor: "alice"})
	assert.ErrorIs(t, err, ledger.ErrPlantNotFound)
}

// =============================================================================
// WEIGHTS & STATUS
// =============================================================================

func TestService_RecordHarvestWeight_AuditsDiff(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	h := createTestHarvest(t, svc, plant.ID, 100)
	ctx := context.Background()

	after, err := svc.RecordHarvestWeight(ctx, ledger.RecordWeightInput{
		HarvestID: h.ID,
		Stage:     ledger.StageDry,
		Grams:     ledger.NewGrams(80),
		Actor:     "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDrying, after.Status)
	require.NotNil(t, after.DryWeight)
	assert.True(t, after.DryWeight.Equal(ledger.NewGrams(80)))

	entries := auditEntriesFor(t, svc, ledger.EntityHarvest, string(h.ID))
	require.Len(t, entries, 2) // create + update
	update := entries[0]
	assert.Equal(t, ledger.AuditUpdate, update.Action)
	assert.Equal(t, "bob", update.Actor)
	assert.Contains(t, update.ChangedFields, "dryWeight")
	assert.Contains(t, update.ChangedFields, "status")
	assert.NotEmpty(t, update.BeforeJSON)
	assert.NotEmpty(t, update.AfterJSON)
}

func TestService_OverrideHarvestStatus(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	h := createTestHarvest(t, svc, plant.ID, 100)
	ctx := context.Background()

	after, err := svc.OverrideHarvestStatus(ctx, h.ID, "processed", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessed, after.Status)

	// Backward correction is allowed.
	after, err = svc.OverrideHarvestStatus(ctx, h.ID, "drying", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDrying, after.Status)

	_, err = svc.OverrideHarvestStatus(ctx, h.ID, "vaporized", "alice")
	assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
}

func TestService_UpdateHarvest_PatchCannotTouchWeights(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	h := createTestHarvest(t, svc, plant.ID, 100)
	ctx := context.Background()

	purpose := "extraction stock"
	after, err := svc.UpdateHarvest(ctx, h.ID, ledger.HarvestPatch{Purpose: &purpose}, "alice")
	require.NoError(t, err)
	assert.Equal(t, purpose, after.Purpose)
	// The patch surface has no weight or consumed fields; verify they
	// came through the update untouched.
	assert.True(t, after.WetWeight.Equal(h.WetWeight))
	assert.True(t, after.DistributedGrams.IsZero())
}

// =============================================================================
// DISTRIBUTIONS & EXTRACTS
// =============================================================================

func TestService_CreateDistribution_MultiSource(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	h1 := createTestHarvest(t, svc, plant.ID, 100)
	h2 := createTestHarvest(t, svc, plant.ID, 50)
	patient := createTestPatient(t, svc, "Pat Smith")
	ctx := context.Background()

	dist, err := svc.CreateDistribution(ctx, ledger.CreateDistributionInput{
		PatientID: patient.ID,
		Sources: []ledger.SourceInput{
			{HarvestID: h1.ID, Grams: ledger.NewGrams(30)},
			{HarvestID: h2.ID, Grams: ledger.NewGrams(20)},
		},
		Actor: "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, "Pat Smith", dist.PatientName)
	require.Len(t, dist.Sources, 2)
	assert.Equal(t, h1.ControlNumber, dist.Sources[0].HarvestControlNumber)
	assert.Equal(t, h2.ControlNumber, dist.Sources[1].HarvestControlNumber)

	got1, err := svc.GetHarvest(ctx, h1.ID)
	require.NoError(t, err)
	assert.True(t, got1.DistributedGrams.Equal(ledger.NewGrams(30)))
	got2, err := svc.GetHarvest(ctx, h2.ID)
	require.NoError(t, err)
	assert.True(t, got2.DistributedGrams.Equal(ledger.NewGrams(20)))

	entries := auditEntriesFor(t, svc, ledger.EntityDistribution, string(dist.ID))
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditCreate, entries[0].Action)
}

func TestService_CreateDistribution_AtomicRollback(t *testing.T) {
	// GIVEN: Two harvests, the second with too little available weight
	// WHEN: A distribution draws from both and the second allocation fails
	// THEN: Neither harvest is touched and no audit entry exists

	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	h1 := createTestHarvest(t, svc, plant.ID, 100)
	h2 := createTestHarvest(t, svc, plant.ID, 50)
	patient := createTestPatient(t, svc, "Pat Smith")
	ctx := context.Background()

	_, err := svc.CreateDistribution(ctx, ledger.CreateDistributionInput{
		PatientID: patient.ID,
		Sources: []ledger.SourceInput{
			{HarvestID: h1.ID, Grams: ledger.NewGrams(30)},
			{HarvestID: h2.ID, Grams: ledger.NewGrams(80)},
		},
		Actor: "alice",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientAvailableWeight)

	got1, err := svc.GetHarvest(ctx, h1.ID)
	require.NoError(t, err)
	assert.True(t, got1.DistributedGrams.IsZero(), "first allocation must roll back")

	et := ledger.EntityDistribution
	entries, err := svc.AuditTrail(ctx, ledger.AuditFilter{EntityType: &et})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_CreateDistribution_DuplicateAllocationKey(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	h := createTestHarvest(t, svc, plant.ID, 100)
	patient := createTestPatient(t, svc, "Pat Smith")
	ctx := context.Background()

	in := ledger.CreateDistributionInput{
		PatientID:     patient.ID,
		Sources:       []ledger.SourceInput{{HarvestID: h.ID, Grams: ledger.NewGrams(25)}},
		AllocationKey: "req-123",
		Actor:         "alice",
	}

	_, err := svc.CreateDistribution(ctx, in)
	require.NoError(t, err)

	// Replaying the same key must not double-count.
	_, err = svc.CreateDistribution(ctx, in)
	require.ErrorIs(t, err, ledger.ErrDuplicateAllocation)

	got, err := svc.GetHarvest(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, got.DistributedGrams.Equal(ledger.NewGrams(25)))
}

func TestService_CreateExtract(t *testing.T) {
	svc, _ := newTestService(t)
	env := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	assoc := createTestScope(t, svc, ledger.ScopeAssociation, "Verdant Collective")
	plant := createTestPlant(t, svc, env.ID)
	h := createTestHarvest(t, svc, plant.ID, 100)
	ctx := context.Background()

	ml := ledger.NewGrams(5)
	extract, err := svc.CreateExtract(ctx, ledger.CreateExtractInput{
		ScopeID: assoc.ID,
		Kind:    "oil",
		Sources: []ledger.SourceInput{{HarvestID: h.ID, Grams: ledger.NewGrams(40), Milliliters: &ml}},
		Actor:   "alice",
	})
	require.NoError(t, err)

	parts, err := ledger.ParseControlNumber(extract.ControlNumber)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindExtract, parts.Kind)
	assert.Empty(t, parts.Scope, "extract numbers carry no scope tag")

	got, err := svc.GetHarvest(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, got.ExtractedGrams.Equal(ledger.NewGrams(40)))
	assert.True(t, got.DistributedGrams.IsZero())
}

func TestService_CreateExtract_RequiresAssociationScope(t *testing.T) {
	// GIVEN: A harvest in a growing environment
	// WHEN: An extract names the environment as its numbering scope
	// THEN: The request is rejected and no weight is consumed; EX numbers
	//       form one association-wide sequence

	svc, _ := newTestService(t)
	env := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, env.ID)
	h := createTestHarvest(t, svc, plant.ID, 100)
	ctx := context.Background()

	_, err := svc.CreateExtract(ctx, ledger.CreateExtractInput{
		ScopeID: env.ID,
		Kind:    "oil",
		Sources: []ledger.SourceInput{{HarvestID: h.ID, Grams: ledger.NewGrams(40)}},
		Actor:   "alice",
	})
	require.ErrorIs(t, err, ledger.ErrInvalidScopeKind)
	assert.True(t, ledger.IsClientError(err))

	got, err := svc.GetHarvest(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, got.ExtractedGrams.IsZero(), "rejected extract must not consume weight")
}

// =============================================================================
// DELETION RULES
// =============================================================================

func TestService_DeleteEntity_Rules(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	consumed := createTestHarvest(t, svc, plant.ID, 100)
	pristine := createTestHarvest(t, svc, plant.ID, 100)
	patient := createTestPatient(t, svc, "Pat Smith")
	ctx := context.Background()

	dist, err := svc.CreateDistribution(ctx, ledger.CreateDistributionInput{
		PatientID: patient.ID,
		Sources:   []ledger.SourceInput{{HarvestID: consumed.ID, Grams: ledger.NewGrams(10)}},
		Actor:     "alice",
	})
	require.NoError(t, err)

	// A harvest backing a distribution cannot be deleted.
	err = svc.DeleteEntity(ctx, ledger.EntityHarvest, string(consumed.ID), "alice")
	require.ErrorIs(t, err, ledger.ErrHarvestConsumed)
	var consumedErr *ledger.HarvestConsumedError
	require.True(t, errors.As(err, &consumedErr))
	assert.True(t, consumedErr.Consumed.Equal(ledger.NewGrams(10)))

	// An untouched harvest deletes physically, with an audit record.
	require.NoError(t, svc.DeleteEntity(ctx, ledger.EntityHarvest, string(pristine.ID), "alice"))
	_, err = svc.GetHarvest(ctx, pristine.ID)
	assert.ErrorIs(t, err, ledger.ErrHarvestNotFound)
	entries := auditEntriesFor(t, svc, ledger.EntityHarvest, string(pristine.ID))
	require.NotEmpty(t, entries)
	assert.Equal(t, ledger.AuditDelete, entries[0].Action)
	assert.NotEmpty(t, entries[0].BeforeJSON)

	// Plants tombstone; the record remains reachable for traceability.
	require.NoError(t, svc.DeleteEntity(ctx, ledger.EntityPlant, string(plant.ID), "alice"))
	gotPlant, err := svc.GetPlant(ctx, plant.ID)
	require.NoError(t, err)
	assert.True(t, gotPlant.Deleted())

	// Patients tombstone the same way.
	require.NoError(t, svc.DeleteEntity(ctx, ledger.EntityPatient, string(patient.ID), "alice"))
	gotPatient, err := svc.GetPatient(ctx, patient.ID)
	require.NoError(t, err)
	assert.True(t, gotPatient.Deleted())

	// Distributions and extracts are immutable.
	err = svc.DeleteEntity(ctx, ledger.EntityDistribution, string(dist.ID), "alice")
	assert.ErrorIs(t, err, ledger.ErrImmutableEntity)
}

// =============================================================================
// PATCHES & CLOCK
// =============================================================================

func TestService_UpdatePlant_AuditsDiff(t *testing.T) {
	svc, _ := newTestService(t)
	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	plant := createTestPlant(t, svc, scope.ID)
	ctx := context.Background()

	stage := "harvested"
	updated, err := svc.UpdatePlant(ctx, plant.ID, ledger.PlantPatch{Stage: &stage}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "harvested", updated.Stage)
	assert.Equal(t, "OG Kush", updated.Strain, "unset patch fields stay untouched")

	entries := auditEntriesFor(t, svc, ledger.EntityPlant, string(plant.ID))
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].ChangedFields, "stage")
	assert.NotContains(t, entries[0].ChangedFields, "strain")
}

func TestService_InjectedClock(t *testing.T) {
	svc, _ := newTestService(t)
	fixed := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return fixed }

	scope := createTestScope(t, svc, ledger.ScopeEnvironment, "Mountain Top")
	assert.Equal(t, fixed, scope.CreatedAt)

	plant := createTestPlant(t, svc, scope.ID)
	assert.Equal(t, fixed, plant.CreatedAt)

	h := createTestHarvest(t, svc, plant.ID, 100)
	assert.Equal(t, fixed, h.HarvestedOn, "zero HarvestedOn defaults to the service clock")
}
