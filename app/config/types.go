package config

import "github.com/lysyi3m/harvest/app/filter"

// Rules is the parsed rules file: defaults shared by every feed plus the
// per-feed rules.
type Rules struct {
	Defaults Defaults   `yaml:"defaults"`
	Feeds    []FeedRule `yaml:"feeds"`
}

// Defaults apply to every feed unless the feed overrides them.
type Defaults struct {
	Filters  filter.Criteria `yaml:"filters"`
	Actions  []string        `yaml:"actions"`
	MaxItems int             `yaml:"max_items"`
	Timeout  int             `yaml:"timeout"` // seconds
}

// FeedRule describes one feed to collect.
type FeedRule struct {
	Name     string          `yaml:"name"`
	URL      string          `yaml:"url"`
	Settings FeedSettings    `yaml:"settings"`
	Actions  []string        `yaml:"actions"`
	Filters  filter.Criteria `yaml:"filters"`
}

// FeedSettings contains feed processing settings
type FeedSettings struct {
	Enabled  *bool `yaml:"enabled"`
	MaxItems int   `yaml:"max_items"`
	Timeout  int   `yaml:"timeout"` // seconds
}

const (
	ActionSave = "save"
	ActionLog  = "log"
)

var knownActions = map[string]bool{
	ActionSave: true,
	ActionLog:  true,
}
