package config

import (
	"time"

	"github.com/lysyi3m/harvest/app/filter"
)

// IsEnabled reports whether the feed should be collected; feeds are enabled
// unless switched off explicitly.
func (s *FeedSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// GetTimeout returns the timeout as time.Duration
func (s *FeedSettings) GetTimeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.Timeout) * time.Second
}

// EffectiveCriteria merges the global default filters with the feed's own.
func (r *Rules) EffectiveCriteria(feed *FeedRule) filter.Criteria {
	return filter.Merge(r.Defaults.Filters, feed.Filters)
}

// EffectiveActions returns the feed's actions, or the default actions when
// the feed configures none.
func (r *Rules) EffectiveActions(feed *FeedRule) []string {
	if len(feed.Actions) > 0 {
		return feed.Actions
	}
	return r.Defaults.Actions
}

// EnabledFeeds returns the enabled feed rules in file order.
func (r *Rules) EnabledFeeds() []*FeedRule {
	feeds := make([]*FeedRule, 0, len(r.Feeds))
	for i := range r.Feeds {
		if r.Feeds[i].Settings.IsEnabled() {
			feeds = append(feeds, &r.Feeds[i])
		}
	}
	return feeds
}

func (r *Rules) Feed(name string) (*FeedRule, bool) {
	for i := range r.Feeds {
		if r.Feeds[i].Name == name {
			return &r.Feeds[i], true
		}
	}
	return nil, false
}
