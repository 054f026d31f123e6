package feed

import (
	"github.com/lysyi3m/harvest/app/filter"
)

type Filterer struct {
	engine *filter.Engine
}

func NewFilterer(engine *filter.Engine) *Filterer {
	if engine == nil {
		engine = filter.NewEngine()
	}
	return &Filterer{engine: engine}
}

// Run marks every item that fails criteria. Items are returned in their
// original order; filtered ones carry the rejection reason.
func (f *Filterer) Run(items []Item, criteria filter.Criteria) ([]Item, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	if criteria.IsEmpty() {
		return items, nil
	}

	filtered := make([]Item, 0, len(items))
	for _, item := range items {
		res, err := f.engine.Evaluate(item.FilterContent(), criteria)
		if err != nil {
			return nil, err
		}
		item.IsFiltered = !res.Passed
		item.FilterReason = res.Reason
		filtered = append(filtered, item)
	}

	return filtered, nil
}
