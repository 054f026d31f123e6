package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestLoader(path string, env map[string]string) *Loader {
	l := NewLoader(path)
	l.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoadValidRules(t *testing.T) {
	path := writeRules(t, `
defaults:
  actions: [save]
  filters:
    max_age_days: 7
    exclude_keywords: ["spam"]

feeds:
  - name: "tech"
    url: "https://example.com/feed.xml"
    settings:
      max_items: 25
      timeout: 15
    actions: [save, log]
    filters:
      min_score: 10
      exclude_keywords: ["ads"]
  - name: "paused"
    url: "https://example.com/paused.xml"
    settings:
      enabled: false
`)

	rules, err := NewLoader(path).Load()
	if err != nil {
		t.Fatal(err)
	}

	if len(rules.Feeds) != 2 {
		t.Fatalf("Expected 2 feeds, got %d", len(rules.Feeds))
	}
	feed := &rules.Feeds[0]
	if feed.URL != "https://example.com/feed.xml" {
		t.Errorf("Expected URL 'https://example.com/feed.xml', got '%s'", feed.URL)
	}
	if feed.Settings.GetTimeout() != 15*time.Second {
		t.Errorf("Expected timeout 15s, got %v", feed.Settings.GetTimeout())
	}
	if feed.Settings.MaxItems != 25 {
		t.Errorf("Expected max items 25, got %d", feed.Settings.MaxItems)
	}

	criteria := rules.EffectiveCriteria(feed)
	if criteria.MaxAgeDays == nil || *criteria.MaxAgeDays != 7 {
		t.Errorf("Expected inherited max_age_days 7, got %v", criteria.MaxAgeDays)
	}
	if criteria.MinScore == nil || *criteria.MinScore != 10 {
		t.Errorf("Expected feed min_score 10, got %v", criteria.MinScore)
	}
	if strings.Join(criteria.ExcludeKeywords, ",") != "spam,ads" {
		t.Errorf("Expected exclude keywords [spam ads], got %v", criteria.ExcludeKeywords)
	}
	if got := rules.EffectiveActions(feed); len(got) != 2 {
		t.Errorf("Expected feed actions [save log], got %v", got)
	}

	enabled := rules.EnabledFeeds()
	if len(enabled) != 1 || enabled[0].Name != "tech" {
		t.Errorf("Expected only 'tech' enabled, got %d feeds", len(enabled))
	}
	if _, ok := rules.Feed("paused"); !ok {
		t.Error("Expected lookup of disabled feed by name to succeed")
	}
}

func TestLoadRulesWithDefaults(t *testing.T) {
	path := writeRules(t, `
feeds:
  - name: "minimal"
    url: "https://example.com/feed.xml"
`)

	rules, err := NewLoader(path).Load()
	if err != nil {
		t.Fatal(err)
	}

	feed := &rules.Feeds[0]
	if !feed.Settings.IsEnabled() {
		t.Error("Expected feed to be enabled by default")
	}
	if feed.Settings.MaxItems != 100 {
		t.Errorf("Expected default max items 100, got %d", feed.Settings.MaxItems)
	}
	if feed.Settings.GetTimeout() != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", feed.Settings.GetTimeout())
	}
	if got := rules.EffectiveActions(feed); len(got) != 1 || got[0] != ActionSave {
		t.Errorf("Expected default actions [save], got %v", got)
	}
	if !rules.EffectiveCriteria(feed).IsEmpty() {
		t.Error("Expected empty criteria")
	}
}

func TestLoadRulesEnvSubstitution(t *testing.T) {
	path := writeRules(t, `
defaults:
  timeout: ${FEED_TIMEOUT:45}
feeds:
  - name: "${FEED_NAME}"
    url: "https://${FEED_HOST:example.com}/feed.xml"
    filters:
      min_score: ${MIN_SCORE:5}
`)

	rules, err := newTestLoader(path, map[string]string{"FEED_NAME": "from-env", "MIN_SCORE": "12"}).Load()
	if err != nil {
		t.Fatal(err)
	}

	feed := &rules.Feeds[0]
	if feed.Name != "from-env" {
		t.Errorf("Expected name 'from-env', got '%s'", feed.Name)
	}
	if feed.URL != "https://example.com/feed.xml" {
		t.Errorf("Expected default host in URL, got '%s'", feed.URL)
	}
	if rules.Defaults.Timeout != 45 {
		t.Errorf("Expected default timeout 45, got %d", rules.Defaults.Timeout)
	}
	if feed.Filters.MinScore == nil || *feed.Filters.MinScore != 12 {
		t.Errorf("Expected min_score 12 from env, got %v", feed.Filters.MinScore)
	}
}

func TestLoadRulesMissingEnv(t *testing.T) {
	path := writeRules(t, `
feeds:
  - name: "x"
    url: "${FEED_URL}"
`)

	_, err := newTestLoader(path, nil).Load()
	if err == nil {
		t.Fatal("Expected error for unset variable without default")
	}
	if !strings.Contains(err.Error(), "FEED_URL") {
		t.Errorf("Expected error to name FEED_URL, got %v", err)
	}
}

func TestInvalidRules(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing url", `
feeds:
  - name: "x"
`},
		{"missing name", `
feeds:
  - url: "https://example.com/feed.xml"
`},
		{"duplicate name", `
feeds:
  - name: "x"
    url: "https://example.com/a.xml"
  - name: "x"
    url: "https://example.com/b.xml"
`},
		{"bad scheme", `
feeds:
  - name: "x"
    url: "ftp://example.com/feed.xml"
`},
		{"unknown action", `
feeds:
  - name: "x"
    url: "https://example.com/feed.xml"
    actions: [publish]
`},
		{"unsafe pattern", `
feeds:
  - name: "x"
    url: "https://example.com/feed.xml"
    filters:
      include_keywords: ["*a*b*c*d*"]
`},
		{"negative age", `
defaults:
  filters:
    max_age_days: -1
`},
		{"unknown field", `
feeds:
  - name: "x"
    url: "https://example.com/feed.xml"
    refresh: 10
`},
		{"malformed yaml", `feeds: [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeRules(t, tt.content)).Load()
			if err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestEmptyRulesFile(t *testing.T) {
	rules, err := NewLoader(writeRules(t, "")).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules.Feeds) != 0 {
		t.Errorf("Expected no feeds, got %d", len(rules.Feeds))
	}
}

func TestMissingRulesFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yml")).Load()
	if err == nil {
		t.Error("Expected error for missing rules file")
	}
}

func TestSubstituteString(t *testing.T) {
	env := map[string]string{"A": "1", "EMPTY": ""}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"${A}", "1"},
		{"${ A }", "1"},
		{"${EMPTY:fallback}", ""},
		{"${B:fallback}", "fallback"},
		{"${B:}", ""},
		{"x-${A}-${B:y}", "x-1-y"},
	}
	for _, tt := range tests {
		got, err := substituteString(tt.in, lookup)
		if err != nil {
			t.Errorf("substituteString(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("substituteString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
