package state

import (
	"testing"
	"time"
)

func TestMergeDelta_NewRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := mergeDelta(nil, "a", Delta{SourceType: "rss", Actions: []string{"save", "save", ""}}, now)

	if rec.ItemID != "a" {
		t.Errorf("Expected item id 'a', got '%s'", rec.ItemID)
	}
	if len(rec.ActionsApplied) != 1 || rec.ActionsApplied[0] != "save" {
		t.Errorf("Expected deduplicated actions [save], got %v", rec.ActionsApplied)
	}
	if !rec.LastProcessed.Equal(now) {
		t.Errorf("Expected last processed %v, got %v", now, rec.LastProcessed)
	}
}

func TestMergeDelta_DoesNotMutateExisting(t *testing.T) {
	existing := &Record{
		ItemID:            "a",
		ActionsApplied:    []string{"save"},
		FreshnessCounters: map[string]int64{"comments": 3},
		Metadata:          map[string]any{"k": "v"},
	}

	merged := mergeDelta(existing, "a", Delta{
		Actions:  []string{"notify"},
		Counters: map[string]int64{"comments": 4},
		Metadata: map[string]any{"k": "w"},
	}, time.Now())

	if len(existing.ActionsApplied) != 1 || existing.FreshnessCounters["comments"] != 3 || existing.Metadata["k"] != "v" {
		t.Errorf("Existing record was mutated: %+v", existing)
	}
	if merged.FreshnessCounters["comments"] != 4 || merged.Metadata["k"] != "w" || !merged.HasAction("notify") {
		t.Errorf("Unexpected merge result: %+v", merged)
	}
}

func TestEvict_TiesBrokenByID(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := map[string]*Record{
		"c": {ItemID: "c", LastProcessed: ts},
		"a": {ItemID: "a", LastProcessed: ts},
		"b": {ItemID: "b", LastProcessed: ts},
		"z": {ItemID: "z", LastProcessed: ts.Add(time.Second)},
	}

	if n := evict(items, 2); n != 2 {
		t.Fatalf("Expected 2 evictions, got %d", n)
	}
	if _, ok := items["c"]; !ok {
		t.Error("Expected 'c' to survive")
	}
	if _, ok := items["z"]; !ok {
		t.Error("Expected 'z' to survive")
	}
}

func TestEvict_Disabled(t *testing.T) {
	items := map[string]*Record{"a": {}, "b": {}}
	if n := evict(items, 0); n != 0 || len(items) != 2 {
		t.Errorf("Expected eviction to be disabled, removed %d", n)
	}
}
