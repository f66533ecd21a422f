package ledger_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/verdant/cultivation-ledger/ledger"
	"github.com/verdant/cultivation-ledger/ledger/store"
)

// =============================================================================
// FIELD DIFFING
// =============================================================================

func TestChangedFields(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   []string
	}{
		{
			name:   "single scalar change",
			before: `{"strain":"OG","stage":"veg"}`,
			after:  `{"strain":"OG","stage":"flower"}`,
			want:   []string{"stage"},
		},
		{
			name:   "no change",
			before: `{"strain":"OG"}`,
			after:  `{"strain":"OG"}`,
			want:   []string{},
		},
		{
			name:   "field added",
			before: `{"strain":"OG"}`,
			after:  `{"strain":"OG","stage":"veg"}`,
			want:   []string{"stage"},
		},
		{
			name:   "field removed",
			before: `{"strain":"OG","stage":"veg"}`,
			after:  `{"strain":"OG"}`,
			want:   []string{"stage"},
		},
		{
			name:   "nested object compared as a unit",
			before: `{"sources":[{"grams":"10"}],"status":"fresh"}`,
			after:  `{"sources":[{"grams":"20"}],"status":"fresh"}`,
			want:   []string{"sources"},
		},
		{
			name:   "result is sorted",
			before: `{"b":1,"a":1,"c":1}`,
			after:  `{"b":2,"a":2,"c":2}`,
			want:   []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.ChangedFields(tt.before, tt.after)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ChangedFields = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChangedFields_Malformed(t *testing.T) {
	if _, err := ledger.ChangedFields(`{broken`, `{}`); err == nil {
		t.Error("malformed before snapshot should error")
	}
	if _, err := ledger.ChangedFields(`{}`, `{broken`); err == nil {
		t.Error("malformed after snapshot should error")
	}
}

// =============================================================================
// RECORDER
// =============================================================================

func TestRecorder_UpdateCarriesBothSnapshotsAndDiff(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	rec := &ledger.Recorder{
		Now: func() time.Time { return time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC) },
	}

	before := map[string]string{"strain": "OG", "stage": "veg"}
	after := map[string]string{"strain": "OG", "stage": "flower"}

	entry, err := rec.Record(ctx, mem, ledger.AuditUpdate, ledger.EntityPlant, "p-1", "A-MT-2025-00001", "alice", before, after)
	if err != nil {
		t.Fatal(err)
	}

	if entry.BeforeJSON == "" || entry.AfterJSON == "" {
		t.Error("update entries must carry both full snapshots")
	}
	if !reflect.DeepEqual(entry.ChangedFields, []string{"stage"}) {
		t.Errorf("ChangedFields = %v, want [stage]", entry.ChangedFields)
	}
	if entry.Actor != "alice" || entry.EntityName != "A-MT-2025-00001" {
		t.Errorf("attribution lost: %+v", entry)
	}

	stored, err := mem.QueryAudit(ctx, ledger.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d entries, want 1", len(stored))
	}
}

func TestRecorder_CreateAndDeleteSnapshots(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	rec := &ledger.Recorder{}

	entity := map[string]string{"name": "Pat"}

	created, err := rec.Record(ctx, mem, ledger.AuditCreate, ledger.EntityPatient, "pat-1", "Pat", "alice", nil, entity)
	if err != nil {
		t.Fatal(err)
	}
	if created.BeforeJSON != "" || created.AfterJSON == "" {
		t.Error("create entries carry only the after snapshot")
	}

	deleted, err := rec.Record(ctx, mem, ledger.AuditDelete, ledger.EntityPatient, "pat-1", "Pat", "alice", entity, nil)
	if err != nil {
		t.Fatal(err)
	}
	if deleted.BeforeJSON == "" || deleted.AfterJSON != "" {
		t.Error("delete entries carry only the before snapshot")
	}
}

// =============================================================================
// QUERYING
// =============================================================================

func TestQueryAudit_FiltersAndOrdering(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	rec := &ledger.Recorder{Now: func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}}

	mustRecord := func(action ledger.AuditAction, et ledger.EntityType, id, actor string) {
		t.Helper()
		if _, err := rec.Record(ctx, mem, action, et, id, "", actor, nil, map[string]string{"id": id}); err != nil {
			t.Fatal(err)
		}
	}

	mustRecord(ledger.AuditCreate, ledger.EntityPlant, "p-1", "alice")
	mustRecord(ledger.AuditCreate, ledger.EntityHarvest, "h-1", "bob")
	mustRecord(ledger.AuditUpdate, ledger.EntityHarvest, "h-1", "alice")
	mustRecord(ledger.AuditCreate, ledger.EntityPatient, "pat-1", "bob")

	// Unfiltered, newest first.
	all, err := mem.QueryAudit(ctx, ledger.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Error("entries not in reverse-chronological order")
		}
	}

	// By entity.
	et := ledger.EntityHarvest
	id := "h-1"
	harvests, err := mem.QueryAudit(ctx, ledger.AuditFilter{EntityType: &et, EntityID: &id})
	if err != nil {
		t.Fatal(err)
	}
	if len(harvests) != 2 {
		t.Errorf("harvest entries = %d, want 2", len(harvests))
	}

	// By actor.
	actor := "alice"
	byAlice, err := mem.QueryAudit(ctx, ledger.AuditFilter{Actor: &actor})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAlice) != 2 {
		t.Errorf("alice entries = %d, want 2", len(byAlice))
	}

	// By action.
	action := ledger.AuditUpdate
	updates, err := mem.QueryAudit(ctx, ledger.AuditFilter{Action: &action})
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 {
		t.Errorf("update entries = %d, want 1", len(updates))
	}

	// Time window covering only the middle two.
	from := base.Add(90 * time.Second)
	to := base.Add(210 * time.Second)
	window, err := mem.QueryAudit(ctx, ledger.AuditFilter{From: &from, To: &to})
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 {
		t.Errorf("windowed entries = %d, want 2", len(window))
	}

	// Limit keeps the newest.
	limited, err := mem.QueryAudit(ctx, ledger.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited entries = %d, want 2", len(limited))
	}
	if limited[0].EntityID != "pat-1" {
		t.Errorf("limit dropped the newest entry, got %s first", limited[0].EntityID)
	}
}
