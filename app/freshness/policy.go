// Package freshness decides whether an observed item needs processing given
// what the state store already knows about it.
package freshness

import (
	"sort"

	"github.com/lysyi3m/harvest/app/state"
)

type Decision int

const (
	New Decision = iota
	Update
	Unchanged
)

func (d Decision) String() string {
	switch d {
	case New:
		return "new"
	case Update:
		return "update"
	case Unchanged:
		return "unchanged"
	}
	return "unknown"
}

// NeedsProcessing reports whether the item's content must be handled again.
func (d Decision) NeedsProcessing() bool {
	return d == New || d == Update
}

// Verdict combines the freshness decision with the actions still owed to the
// item. The two are independent: an unchanged item can still have pending
// actions when the rule gained a new action since it was last seen.
type Verdict struct {
	Decision Decision
	Pending  []string
	Changed  []string
}

// Policy is stateless; the zero value is ready to use.
type Policy struct{}

func NewPolicy() *Policy {
	return &Policy{}
}

// Decide compares observed activity counters with the stored record.
func (p *Policy) Decide(stored *state.Record, observed map[string]int64) Decision {
	if stored == nil {
		return New
	}
	if len(advanced(stored, observed)) > 0 {
		return Update
	}
	return Unchanged
}

// PendingActions returns the configured actions not yet recorded for the
// item, in configured order. A nil record owes every configured action.
func (p *Policy) PendingActions(stored *state.Record, configured []string) []string {
	pending := make([]string, 0, len(configured))
	seen := make(map[string]bool, len(configured))
	for _, action := range configured {
		if action == "" || seen[action] {
			continue
		}
		seen[action] = true
		if stored != nil && stored.HasAction(action) {
			continue
		}
		pending = append(pending, action)
	}
	return pending
}

func (p *Policy) Evaluate(stored *state.Record, observed map[string]int64, configured []string) Verdict {
	v := Verdict{
		Decision: p.Decide(stored, observed),
		Pending:  p.PendingActions(stored, configured),
	}
	if stored != nil {
		v.Changed = advanced(stored, observed)
	}
	return v
}

// advanced lists, sorted, the counters whose observed value is strictly
// greater than the stored one. Missing stored counters count as zero.
func advanced(stored *state.Record, observed map[string]int64) []string {
	var changed []string
	for name, value := range observed {
		if value > stored.FreshnessCounters[name] {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
