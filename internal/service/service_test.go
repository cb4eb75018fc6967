package service

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/camatools/pacsync/internal/adapter/memory"
	"github.com/camatools/pacsync/internal/config"
	"github.com/camatools/pacsync/internal/jobs"
	"github.com/camatools/pacsync/internal/types"
)

func newTestStore(t *testing.T) *jobs.Store {
	t.Helper()
	store, err := jobs.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seededSource() *memory.Source {
	src := memory.NewSource()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src.Add(
		&types.SourceRecord{EntityType: types.EntityProperty, SourceID: "P-1",
			Payload: map[string]interface{}{"parcel_id": "ab-1"}, LastModified: now},
		&types.SourceRecord{EntityType: types.EntityProperty, SourceID: "P-2",
			Payload: map[string]interface{}{"parcel_id": "ab-2"}, LastModified: now},
		&types.SourceRecord{EntityType: types.EntityValue, SourceID: "V-1",
			Payload: map[string]interface{}{"property_id": "P-1", "market_val": 100000.0}, LastModified: now},
		&types.SourceRecord{EntityType: types.EntityValue, SourceID: "V-2",
			Payload: map[string]interface{}{"property_id": "P-2", "market_val": 300000.0}, LastModified: now},
		&types.SourceRecord{EntityType: types.EntityValue, SourceID: "V-3",
			Payload: map[string]interface{}{"property_id": "P-2", "market_val": "n/a"}, LastModified: now},
	)
	return src
}

func findEvent(t *testing.T, store *jobs.Store, jobID, kind string) jobs.Event {
	t.Helper()
	events, err := store.Events(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for _, ev := range events {
		if ev.Kind == kind {
			return ev
		}
	}
	t.Fatalf("no %q event for job %s (got %d events)", kind, jobID, len(events))
	return jobs.Event{}
}

func TestBuiltInCatalogsLoad(t *testing.T) {
	store, err := loadCatalogs(&config.Config{})
	if err != nil {
		t.Fatalf("loadCatalogs: %v", err)
	}

	cat := store.Catalog()
	if got := cat.Entities(); !reflect.DeepEqual(got, types.EntityOrder) {
		t.Errorf("Entities() = %v, want dependency order %v", got, types.EntityOrder)
	}
	for _, entity := range types.EntityOrder {
		if len(cat.Mappings(entity)) == 0 {
			t.Errorf("entity %s has no mappings", entity)
		}
	}

	rules := store.Rules()
	tests := []struct {
		entity    types.EntityType
		field     string
		sourceVal interface{}
		targetVal interface{}
		want      types.ResolutionStrategy
	}{
		{types.EntityProperty, "parcel_number", "A", "B", types.SourceWins},
		{types.EntityValue, "tax_year", 2026, 2025, types.TargetWins},
		// target_null override flips tax_year back to the source.
		{types.EntityValue, "tax_year", 2026, nil, types.SourceWins},
		{types.EntityOwner, "mailing_address", "a", "b", types.SourceWins},
		{types.EntityValue, "market_value", 1.0, 2.0, types.TargetWins},
		{types.EntityStructure, "square_feet", 1.0, 2.0, types.Merge},
		{types.EntityProperty, "unclassified_field", "a", "b", types.SourceWins},
	}
	for _, tt := range tests {
		got := rules.StrategyFor(tt.entity, tt.field, tt.sourceVal, tt.targetVal)
		if got != tt.want {
			t.Errorf("StrategyFor(%s, %s) = %q, want %q", tt.entity, tt.field, got, tt.want)
		}
	}
}

func TestBuiltInCatalogIsIgnoredWhenFilesConfigured(t *testing.T) {
	dir := t.TempDir()
	catPath := filepath.Join(dir, "mapping.yaml")
	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(catPath, []byte("entities:\n  property:\n    mappings:\n      - source: pid\n        target: parcel_number\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rulesPath, []byte("rules:\n  - entity: property\n    field: parcel_number\n    strategy: target_wins\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := loadCatalogs(&config.Config{Catalogs: config.CatalogsConfig{
		FieldMappingPath:    catPath,
		ResolutionRulesPath: rulesPath,
	}})
	if err != nil {
		t.Fatalf("loadCatalogs: %v", err)
	}
	if got := store.Catalog().Entities(); len(got) != 1 || got[0] != types.EntityProperty {
		t.Errorf("Entities() = %v, want just property from the file", got)
	}
	if got := store.Rules().StrategyFor(types.EntityProperty, "parcel_number", "a", "b"); got != types.TargetWins {
		t.Errorf("StrategyFor = %q, want file rule target_wins", got)
	}
}

func TestReportRunner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src := seededSource()

	job := &types.Job{ID: "job-report", Kind: types.JobReport, TenantID: "clark-county",
		Status: types.JobPending, CreatedAt: time.Now().UTC()}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	summary, err := newReportRunner(src, store, store).Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 2 properties + 3 values, no owners or structures.
	if summary.Processed != 5 || summary.Succeeded != 5 {
		t.Errorf("summary = %+v, want 5 processed/succeeded", summary)
	}

	ev := findEvent(t, store, job.ID, "report")
	counts, ok := ev.Payload["source_counts"].(map[string]interface{})
	if !ok {
		t.Fatalf("report payload missing source_counts: %v", ev.Payload)
	}
	if counts["property"] != 2.0 || counts["value"] != 3.0 {
		t.Errorf("source_counts = %v", counts)
	}
}

func TestMarketAnalysisRunner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src := seededSource()

	job := &types.Job{ID: "job-market", Kind: types.JobMarketAnalysis, TenantID: "clark-county",
		Status: types.JobPending, CreatedAt: time.Now().UTC()}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	summary, err := newMarketAnalysisRunner(src, store).Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 3/2/1", summary)
	}

	ev := findEvent(t, store, job.ID, "market_analysis")
	if ev.Payload["count"] != 2.0 {
		t.Errorf("count = %v, want 2", ev.Payload["count"])
	}
	if ev.Payload["mean"] != 200000.0 || ev.Payload["min"] != 100000.0 || ev.Payload["max"] != 300000.0 {
		t.Errorf("stats = %v", ev.Payload)
	}
}

func TestMarketAnalysisRunnerEmptySource(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job := &types.Job{ID: "job-empty", Kind: types.JobMarketAnalysis, TenantID: "clark-county",
		Status: types.JobPending, CreatedAt: time.Now().UTC()}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	summary, err := newMarketAnalysisRunner(memory.NewSource(), store).Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 0 {
		t.Errorf("summary = %+v, want empty", summary)
	}
	ev := findEvent(t, store, job.ID, "market_analysis")
	if ev.Payload["count"] != 0.0 {
		t.Errorf("count = %v, want 0", ev.Payload["count"])
	}
	if _, ok := ev.Payload["mean"]; ok {
		t.Error("mean reported for an empty source")
	}
}

func TestGISExportRunner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src := seededSource()

	outPath := filepath.Join(t.TempDir(), "export", "props.jsonl")
	job := &types.Job{ID: "job-gis", Kind: types.JobGISExport, TenantID: "clark-county",
		Status: types.JobPending, CreatedAt: time.Now().UTC(),
		Params: map[string]interface{}{"output_path": outPath}}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	summary, err := newGISExportRunner(src, filepath.Join(t.TempDir(), "unused.jsonl"), store).Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 2 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v, want 2 properties exported", summary)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("export has %d lines, want 2", len(lines))
	}
	if lines[0]["source_id"] != "P-1" || lines[1]["source_id"] != "P-2" {
		t.Errorf("exported IDs = %v, %v", lines[0]["source_id"], lines[1]["source_id"])
	}

	ev := findEvent(t, store, job.ID, "gis_export")
	if ev.Payload["path"] != outPath || ev.Payload["records"] != 2.0 {
		t.Errorf("gis_export payload = %v", ev.Payload)
	}
}
