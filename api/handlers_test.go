package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdant/cultivation-ledger/api"
	"github.com/verdant/cultivation-ledger/ledger"
	"github.com/verdant/cultivation-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	svc := ledger.NewService(store.NewMemory())
	return api.NewRouter(api.NewHandler(svc))
}

// do runs one request and decodes the JSON response into out (if non-nil).
func do(t *testing.T, router http.Handler, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "alice")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func createScope(t *testing.T, router http.Handler, name string) api.ScopeDTO {
	t.Helper()
	var scope api.ScopeDTO
	rec := do(t, router, http.MethodPost, "/api/scopes", api.CreateScopeRequest{Kind: "environment", Name: name}, &scope)
	require.Equal(t, http.StatusCreated, rec.Code)
	return scope
}

func createPlant(t *testing.T, router http.Handler, scopeID string) api.PlantDTO {
	t.Helper()
	var plant api.PlantDTO
	rec := do(t, router, http.MethodPost, "/api/plants", api.CreatePlantRequest{ScopeID: scopeID, Strain: "OG Kush"}, &plant)
	require.Equal(t, http.StatusCreated, rec.Code)
	return plant
}

func createHarvest(t *testing.T, router http.Handler, plantID, wetGrams string) api.HarvestDTO {
	t.Helper()
	var harvest api.HarvestDTO
	rec := do(t, router, http.MethodPost, "/api/plants/"+plantID+"/harvests",
		api.CreateHarvestRequest{WetGrams: wetGrams}, &harvest)
	require.Equal(t, http.StatusCreated, rec.Code)
	return harvest
}

func createPatient(t *testing.T, router http.Handler, name string) api.PatientDTO {
	t.Helper()
	var patient api.PatientDTO
	rec := do(t, router, http.MethodPost, "/api/patients", api.CreatePatientRequest{Name: name}, &patient)
	require.Equal(t, http.StatusCreated, rec.Code)
	return patient
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestAPI_CultivationFlow(t *testing.T) {
	// GIVEN: A scope, a plant and a harvest created over HTTP
	// WHEN: Weights are recorded and material is distributed
	// THEN: Control numbers, statuses and available weight track the flow

	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, scope.ID)
	assert.Regexp(t, `^A-MT-\d{4}-00001$`, plant.ControlNumber)

	harvest := createHarvest(t, router, plant.ID, "100")
	assert.Regexp(t, `^H-MT-\d{4}-00001$`, harvest.ControlNumber)
	assert.Equal(t, "fresh", harvest.Status)
	assert.Equal(t, "100", harvest.AvailableWeight)

	var updated api.HarvestDTO
	rec := do(t, router, http.MethodPost, "/api/harvests/"+harvest.ID+"/weights",
		api.RecordWeightRequest{Stage: "dry", Grams: "80"}, &updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "drying", updated.Status)
	require.NotNil(t, updated.DryWeight)
	assert.Equal(t, "80", *updated.DryWeight)
	assert.Equal(t, "80", updated.AvailableWeight)

	patient := createPatient(t, router, "Pat Smith")
	var dist api.DistributionDTO
	rec = do(t, router, http.MethodPost, "/api/distributions", api.CreateDistributionRequest{
		PatientID: patient.ID,
		Sources:   []api.SourceDTO{{HarvestID: harvest.ID, Grams: "30"}},
	}, &dist)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Pat Smith", dist.PatientName)
	require.Len(t, dist.Sources, 1)
	assert.Equal(t, harvest.ControlNumber, dist.Sources[0].HarvestControlNumber)

	var after api.HarvestDTO
	rec = do(t, router, http.MethodGet, "/api/harvests/"+harvest.ID, nil, &after)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "30", after.DistributedGrams)
	assert.Equal(t, "50", after.AvailableWeight)
}

func TestAPI_StatusOverride(t *testing.T) {
	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, scope.ID)
	harvest := createHarvest(t, router, plant.ID, "100")

	var updated api.HarvestDTO
	rec := do(t, router, http.MethodPost, "/api/harvests/"+harvest.ID+"/status",
		api.OverrideStatusRequest{Status: "processed"}, &updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", updated.Status)

	rec = do(t, router, http.MethodPost, "/api/harvests/"+harvest.ID+"/status",
		api.OverrideStatusRequest{Status: "shipped"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AuditTrailCarriesActor(t *testing.T) {
	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	createPlant(t, router, scope.ID)

	var entries []api.AuditEntryDTO
	rec := do(t, router, http.MethodGet, "/api/audit?entity_type=plant", nil, &entries)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0].Action)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.NotEmpty(t, entries[0].After)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorStatuses(t *testing.T) {
	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, scope.ID)
	harvest := createHarvest(t, router, plant.ID, "100")
	patient := createPatient(t, router, "Pat Smith")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{
			name:   "unknown harvest is 404",
			method: http.MethodGet,
			path:   "/api/harvests/ghost",
			want:   http.StatusNotFound,
		},
		{
			name:   "malformed body is 400",
			method: http.MethodPost,
			path:   "/api/plants",
			body:   "not an object",
			want:   http.StatusBadRequest,
		},
		{
			name:   "missing scope_id is 400",
			method: http.MethodPost,
			path:   "/api/plants",
			body:   api.CreatePlantRequest{},
			want:   http.StatusBadRequest,
		},
		{
			name:   "non-decimal grams is 400",
			method: http.MethodPost,
			path:   "/api/harvests/" + harvest.ID + "/weights",
			body:   api.RecordWeightRequest{Stage: "dry", Grams: "eighty"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "dry above wet is 400",
			method: http.MethodPost,
			path:   "/api/harvests/" + harvest.ID + "/weights",
			body:   api.RecordWeightRequest{Stage: "dry", Grams: "150"},
			want:   http.StatusBadRequest,
		},
		{
			name:   "overdrawn allocation is 409",
			method: http.MethodPost,
			path:   "/api/distributions",
			body: api.CreateDistributionRequest{
				PatientID: patient.ID,
				Sources:   []api.SourceDTO{{HarvestID: harvest.ID, Grams: "500"}},
			},
			want: http.StatusConflict,
		},
		{
			name:   "unknown delete type is 404",
			method: http.MethodDelete,
			path:   "/api/widgets/x",
			want:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPI_DuplicateAllocationKeyIs409(t *testing.T) {
	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, scope.ID)
	harvest := createHarvest(t, router, plant.ID, "100")
	patient := createPatient(t, router, "Pat Smith")

	req := api.CreateDistributionRequest{
		PatientID:     patient.ID,
		Sources:       []api.SourceDTO{{HarvestID: harvest.ID, Grams: "10"}},
		AllocationKey: "req-1",
	}

	rec := do(t, router, http.MethodPost, "/api/distributions", req, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/distributions", req, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The original allocation stands untouched.
	var after api.HarvestDTO
	rec = do(t, router, http.MethodGet, "/api/harvests/"+harvest.ID, nil, &after)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", after.DistributedGrams)
}

func TestAPI_DeleteRules(t *testing.T) {
	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, scope.ID)
	harvest := createHarvest(t, router, plant.ID, "100")
	patient := createPatient(t, router, "Pat Smith")

	rec := do(t, router, http.MethodPost, "/api/distributions", api.CreateDistributionRequest{
		PatientID: patient.ID,
		Sources:   []api.SourceDTO{{HarvestID: harvest.ID, Grams: "10"}},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Consumed harvest cannot be deleted.
	rec = do(t, router, http.MethodDelete, fmt.Sprintf("/api/harvests/%s", harvest.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Plants tombstone and stay readable.
	rec = do(t, router, http.MethodDelete, "/api/plants/"+plant.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	var got api.PlantDTO
	rec = do(t, router, http.MethodGet, "/api/plants/"+plant.ID, nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.Deleted)
}

func TestAPI_DateFieldsAcceptBothLayouts(t *testing.T) {
	// GIVEN: A plant ready to harvest
	// WHEN: Harvests are recorded with an ISO date and an RFC3339 timestamp
	// THEN: Both layouts are accepted and resolve to the same calendar day

	router := newTestRouter(t)
	scope := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, scope.ID)

	var isoDated api.HarvestDTO
	rec := do(t, router, http.MethodPost, "/api/plants/"+plant.ID+"/harvests",
		api.CreateHarvestRequest{WetGrams: "100", HarvestedOn: "2025-06-01"}, &isoDated)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2025-06-01", isoDated.HarvestedOn)

	var timestamped api.HarvestDTO
	rec = do(t, router, http.MethodPost, "/api/plants/"+plant.ID+"/harvests",
		api.CreateHarvestRequest{WetGrams: "100", HarvestedOn: "2025-06-01T14:30:00Z"}, &timestamped)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2025-06-01", timestamped.HarvestedOn)

	rec = do(t, router, http.MethodPost, "/api/plants/"+plant.ID+"/harvests",
		api.CreateHarvestRequest{WetGrams: "100", HarvestedOn: "June 1st"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ExtractIssuesControlNumber(t *testing.T) {
	router := newTestRouter(t)
	env := createScope(t, router, "Mountain Top")
	plant := createPlant(t, router, env.ID)
	harvest := createHarvest(t, router, plant.ID, "100")

	var assoc api.ScopeDTO
	rec := do(t, router, http.MethodPost, "/api/scopes",
		api.CreateScopeRequest{Kind: "association", Name: "Verdant Collective"}, &assoc)
	require.Equal(t, http.StatusCreated, rec.Code)

	var extract api.ExtractDTO
	rec = do(t, router, http.MethodPost, "/api/extracts", api.CreateExtractRequest{
		ScopeID: assoc.ID,
		Kind:    "oil",
		Sources: []api.SourceDTO{{HarvestID: harvest.ID, Grams: "40"}},
	}, &extract)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Regexp(t, `^EX-\d{4}-00001$`, extract.ControlNumber)
}
