package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestJob(id string) *types.Job {
	return &types.Job{
		ID:        id,
		Kind:      types.JobFullSync,
		TenantID:  "clark-county",
		Status:    types.JobPending,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Params:    map[string]interface{}{"entity_types": []interface{}{"property"}},
	}
}

func TestStoreCreateAndGetJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := newTestJob("job-1")
	if err := store.CreateJob(ctx, want); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != want.Kind || got.TenantID != want.TenantID || got.Status != types.JobPending {
		t.Errorf("got %+v, want kind/tenant/status preserved", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if got.Params["entity_types"] == nil {
		t.Error("params not round-tripped")
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.Result != nil {
		t.Error("fresh job should have no start/completion/result")
	}
}

func TestStoreGetJobNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	if !errors.Is(err, adapter.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestStoreTransitionJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatal(err)
	}

	started := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	ok, err := store.TransitionJob(ctx, "job-1", types.JobPending, types.JobRunning, Transition{SetStartedAt: &started})
	if err != nil || !ok {
		t.Fatalf("pending->running ok=%v err=%v", ok, err)
	}

	// CAS: the same transition again must not apply.
	ok, err = store.TransitionJob(ctx, "job-1", types.JobPending, types.JobRunning, Transition{SetStartedAt: &started})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("transition from stale expected status reported success")
	}

	done := started.Add(time.Minute)
	summary := &types.SyncSummary{Processed: 10, Succeeded: 9, Failed: 1}
	ok, err = store.TransitionJob(ctx, "job-1", types.JobRunning, types.JobCompleted, Transition{
		SetCompletedAt: &done, Result: summary,
	})
	if err != nil || !ok {
		t.Fatalf("running->completed ok=%v err=%v", ok, err)
	}

	job, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", job.StartedAt, started)
	}
	if job.Result == nil || job.Result.Processed != 10 || job.Result.Failed != 1 {
		t.Errorf("result = %+v, want summary round-tripped", job.Result)
	}
}

func TestStoreTransitionRejectsInvalidEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		from, to types.JobStatus
	}{
		{types.JobPending, types.JobCompleted},
		{types.JobCompleted, types.JobRunning},
		{types.JobCancelled, types.JobPending},
		{types.JobFailed, types.JobRunning},
	}
	for _, tt := range tests {
		_, err := store.TransitionJob(ctx, "job-1", tt.from, tt.to, Transition{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: error = %v, want ErrInvalidTransition", tt.from, tt.to, err)
		}
	}
}

func TestStoreListJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		job := newTestJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.TransitionJob(ctx, "job-a", types.JobPending, types.JobRunning, Transition{SetStartedAt: &base}); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListJobs(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d jobs, want 3", len(all))
	}
	if all[0].ID != "job-c" || all[2].ID != "job-a" {
		t.Errorf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	pending, err := store.ListJobs(ctx, types.JobPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending filter returned %d jobs, want 2", len(pending))
	}

	limited, err := store.ListJobs(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d jobs", len(limited))
	}
}

func TestStoreWatermark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wm, err := store.Watermark(ctx, "clark-county", types.EntityProperty)
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Fatalf("fresh watermark = %v, want nil", wm)
	}

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.AdvanceWatermark(ctx, "clark-county", types.EntityProperty, first); err != nil {
		t.Fatal(err)
	}
	second := first.Add(24 * time.Hour)
	if err := store.AdvanceWatermark(ctx, "clark-county", types.EntityProperty, second); err != nil {
		t.Fatal(err)
	}

	wm, err = store.Watermark(ctx, "clark-county", types.EntityProperty)
	if err != nil {
		t.Fatal(err)
	}
	if wm == nil || !wm.Equal(second) {
		t.Errorf("watermark = %v, want %v", wm, second)
	}

	// Watermarks are scoped per tenant and entity.
	other, err := store.Watermark(ctx, "washoe-county", types.EntityProperty)
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Errorf("other tenant watermark = %v, want nil", other)
	}
}

func TestStoreStaleRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)

	for id, started := range map[string]time.Time{"job-old": old, "job-recent": recent} {
		job := newTestJob(id)
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		st := started
		if _, err := store.TransitionJob(ctx, id, types.JobPending, types.JobRunning, Transition{SetStartedAt: &st}); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := store.StaleRunning(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "job-old" {
		t.Fatalf("stale = %v, want only job-old", stale)
	}
}

func TestStoreStaleCutoffSubSecond(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Whole-second and sub-second starts inside the same second must
	// both compare correctly against a sub-second cutoff. Stored stamps
	// carry fixed fractional precision so the string compare holds.
	whole := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	late := whole.Add(700 * time.Millisecond)
	for id, started := range map[string]time.Time{"job-whole": whole, "job-late": late} {
		if err := store.CreateJob(ctx, newTestJob(id)); err != nil {
			t.Fatal(err)
		}
		st := started
		if _, err := store.TransitionJob(ctx, id, types.JobPending, types.JobRunning, Transition{SetStartedAt: &st}); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := store.StaleRunning(ctx, whole.Add(500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "job-whole" {
		ids := make([]string, 0, len(stale))
		for _, j := range stale {
			ids = append(ids, j.ID)
		}
		t.Fatalf("stale = %v, want only job-whole", ids)
	}
}

func TestStoreAuditEventsAndConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordEvent(ctx, "job-1", "started", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordEvent(ctx, "job-1", "batch", map[string]interface{}{"size": 100.0}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordEvent(ctx, "job-2", "started", nil); err != nil {
		t.Fatal(err)
	}

	events, err := store.Events(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "started" || events[1].Kind != "batch" {
		t.Errorf("event order = [%s %s], want insertion order", events[0].Kind, events[1].Kind)
	}
	if events[1].Payload["size"] != 100.0 {
		t.Errorf("payload = %v", events[1].Payload)
	}

	err = store.RecordConflict(ctx, "job-1", &types.Conflict{
		EntityType: types.EntityProperty,
		SourceID:   "P-100",
		Field:      "address",
		Resolution: types.SourceWins,
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := store.ConflictCount(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("conflict count = %d, want 1", n)
	}
}
