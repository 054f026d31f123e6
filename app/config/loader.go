package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxItems = 100
	defaultTimeout  = 30 // seconds
)

// Loader handles loading and validation of the rules file
type Loader struct {
	path   string
	lookup lookupFunc
}

// NewLoader creates a new rules loader reading path
func NewLoader(path string) *Loader {
	return &Loader{path: path, lookup: osLookup}
}

// Load reads, expands, decodes and validates the rules file
func (l *Loader) Load() (*Rules, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	rules, err := l.parse(data)
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %w", l.path, err)
	}

	slog.Debug("Loaded rules", "path", l.path, "feeds", len(rules.Feeds))
	return rules, nil
}

func (l *Loader) parse(data []byte) (*Rules, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var rules Rules
	if doc.Kind != 0 {
		if err := substituteNode(&doc, l.lookup); err != nil {
			return nil, err
		}
		// Re-encode so unknown fields are reported by the strict decoder.
		expanded, err := yaml.Marshal(&doc)
		if err != nil {
			return nil, fmt.Errorf("failed to expand YAML: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	l.setDefaults(&rules)

	if err := l.validate(&rules); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	return &rules, nil
}

// setDefaults applies default values to the rules
func (l *Loader) setDefaults(rules *Rules) {
	if rules.Defaults.MaxItems == 0 {
		rules.Defaults.MaxItems = defaultMaxItems
	}
	if rules.Defaults.Timeout == 0 {
		rules.Defaults.Timeout = defaultTimeout
	}
	if len(rules.Defaults.Actions) == 0 {
		rules.Defaults.Actions = []string{ActionSave}
	}
	for i := range rules.Feeds {
		settings := &rules.Feeds[i].Settings
		if settings.MaxItems == 0 {
			settings.MaxItems = rules.Defaults.MaxItems
		}
		if settings.Timeout == 0 {
			settings.Timeout = rules.Defaults.Timeout
		}
	}
}

// validate validates the rules
func (l *Loader) validate(rules *Rules) error {
	if rules.Defaults.MaxItems < 0 {
		return fmt.Errorf("default max items must be non-negative")
	}
	if rules.Defaults.Timeout < 0 {
		return fmt.Errorf("default timeout must be non-negative")
	}
	if err := validateActions(rules.Defaults.Actions); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if err := rules.Defaults.Filters.Validate(); err != nil {
		return fmt.Errorf("default filters: %w", err)
	}

	seen := make(map[string]bool, len(rules.Feeds))
	for i := range rules.Feeds {
		feed := &rules.Feeds[i]
		if feed.Name == "" {
			return fmt.Errorf("feed name is required at index %d", i)
		}
		if seen[feed.Name] {
			return fmt.Errorf("duplicate feed name: %s", feed.Name)
		}
		seen[feed.Name] = true

		if feed.URL == "" {
			return fmt.Errorf("feed %s: URL is required", feed.Name)
		}
		u, err := url.Parse(feed.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("feed %s: invalid URL %q", feed.Name, feed.URL)
		}
		if feed.Settings.MaxItems < 0 {
			return fmt.Errorf("feed %s: max items must be non-negative", feed.Name)
		}
		if feed.Settings.Timeout < 0 {
			return fmt.Errorf("feed %s: timeout must be non-negative", feed.Name)
		}
		if err := validateActions(feed.Actions); err != nil {
			return fmt.Errorf("feed %s: %w", feed.Name, err)
		}
		if err := rules.EffectiveCriteria(feed).Validate(); err != nil {
			return fmt.Errorf("feed %s filters: %w", feed.Name, err)
		}
	}
	return nil
}

func validateActions(actions []string) error {
	for i, a := range actions {
		if !knownActions[a] {
			return fmt.Errorf("invalid action at index %d: %s", i, a)
		}
	}
	return nil
}
