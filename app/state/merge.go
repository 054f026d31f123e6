package state

import (
	"maps"
	"sort"
	"time"
)

// mergeDelta folds d into existing (which may be nil) and returns the
// resulting record. Actions are unioned, counters keep their maximum and
// metadata keys are overwritten one by one.
func mergeDelta(existing *Record, itemID string, d Delta, now time.Time) *Record {
	rec := cloneRecord(existing)
	if rec == nil {
		rec = &Record{ItemID: itemID}
	}
	rec.ItemID = itemID

	if d.SourceType != "" {
		rec.SourceType = d.SourceType
	}
	if d.SourceName != "" {
		rec.SourceName = d.SourceName
	}

	for _, action := range d.Actions {
		if action == "" || rec.HasAction(action) {
			continue
		}
		rec.ActionsApplied = append(rec.ActionsApplied, action)
	}
	if rec.ActionsApplied == nil {
		rec.ActionsApplied = []string{}
	}

	if len(d.Counters) > 0 && rec.FreshnessCounters == nil {
		rec.FreshnessCounters = make(map[string]int64, len(d.Counters))
	}
	for name, value := range d.Counters {
		if current, ok := rec.FreshnessCounters[name]; !ok || value > current {
			rec.FreshnessCounters[name] = value
		}
	}

	if len(d.Metadata) > 0 && rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(d.Metadata))
	}
	maps.Copy(rec.Metadata, d.Metadata)

	rec.LastProcessed = now
	return rec
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.ActionsApplied = append([]string(nil), r.ActionsApplied...)
	c.FreshnessCounters = maps.Clone(r.FreshnessCounters)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// evictionOrder returns item ids sorted oldest first, ties broken by id so
// that eviction is deterministic.
func evictionOrder(items map[string]*Record) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := items[ids[i]].LastProcessed, items[ids[j]].LastProcessed
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})
	return ids
}

// evict drops the oldest records until at most maxItems remain and returns
// how many were removed.
func evict(items map[string]*Record, maxItems int) int {
	if maxItems <= 0 || len(items) <= maxItems {
		return 0
	}
	excess := len(items) - maxItems
	for _, id := range evictionOrder(items)[:excess] {
		delete(items, id)
	}
	return excess
}

// removeOlderThan deletes records processed at or before cutoff.
func removeOlderThan(items map[string]*Record, cutoff time.Time) int {
	removed := 0
	for id, rec := range items {
		if !rec.LastProcessed.After(cutoff) {
			delete(items, id)
			removed++
		}
	}
	return removed
}

func retentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
}

func validateDeltas(deltas map[string]Delta, reserved func(string) bool) error {
	for id := range deltas {
		if id == "" {
			return ErrEmptyID
		}
		if reserved != nil && reserved(id) {
			return ErrReservedID
		}
	}
	return nil
}

func matchesQuery(rec *Record, q Query) bool {
	if q.SourceType != "" && rec.SourceType != q.SourceType {
		return false
	}
	if q.SourceName != "" && rec.SourceName != q.SourceName {
		return false
	}
	return true
}

// listRecords applies q to an in-memory item set, newest first.
func listRecords(items map[string]*Record, q Query) []Record {
	matched := make([]*Record, 0, len(items))
	for _, rec := range items {
		if matchesQuery(rec, q) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].LastProcessed, matched[j].LastProcessed
		if a.Equal(b) {
			return matched[i].ItemID < matched[j].ItemID
		}
		return a.After(b)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]Record, len(matched))
	for i, rec := range matched {
		out[i] = *cloneRecord(rec)
	}
	return out
}

func statsFor(items map[string]*Record) *Stats {
	s := &Stats{
		Total:        len(items),
		BySourceType: make(map[string]int),
		BySourceName: make(map[string]int),
	}
	for _, rec := range items {
		s.BySourceType[rec.SourceType]++
		s.BySourceName[rec.SourceName]++
	}
	return s
}
