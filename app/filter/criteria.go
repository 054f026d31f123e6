package filter

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	MaxPatternLength = 200
	MaxWildcards     = 3
)

var (
	ErrUnsafePattern   = errors.New("unsafe keyword pattern")
	ErrInvalidCriteria = errors.New("invalid filter criteria")
)

// InputError reports criteria that were rejected before any matching ran.
type InputError struct {
	Field string
	Value string
	Err   error
}

func (e *InputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Criteria is one level of filter configuration. Nil scalar fields are
// unset and fall through to less specific levels in Merge.
type Criteria struct {
	MaxAgeDays      *int     `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	MinScore        *float64 `yaml:"min_score,omitempty" json:"min_score,omitempty"`
	MinComments     *int     `yaml:"min_comments,omitempty" json:"min_comments,omitempty"`
	IncludeKeywords []string `yaml:"include_keywords,omitempty" json:"include_keywords,omitempty"`
	ExcludeKeywords []string `yaml:"exclude_keywords,omitempty" json:"exclude_keywords,omitempty"`
	CaseSensitive   *bool    `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

func Ptr[T any](v T) *T {
	return &v
}

// Merge combines criteria from least to most specific. Scalars take the
// last non-nil value; keyword lists are unioned in order without duplicates.
func Merge(levels ...Criteria) Criteria {
	var merged Criteria
	for _, c := range levels {
		if c.MaxAgeDays != nil {
			merged.MaxAgeDays = Ptr(*c.MaxAgeDays)
		}
		if c.MinScore != nil {
			merged.MinScore = Ptr(*c.MinScore)
		}
		if c.MinComments != nil {
			merged.MinComments = Ptr(*c.MinComments)
		}
		if c.CaseSensitive != nil {
			merged.CaseSensitive = Ptr(*c.CaseSensitive)
		}
		merged.IncludeKeywords = union(merged.IncludeKeywords, c.IncludeKeywords)
		merged.ExcludeKeywords = union(merged.ExcludeKeywords, c.ExcludeKeywords)
	}
	return merged
}

func union(base, extra []string) []string {
	for _, kw := range extra {
		kw = strings.TrimSpace(kw)
		if kw == "" || contains(base, kw) {
			continue
		}
		base = append(base, kw)
	}
	return base
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate rejects negative thresholds and unsafe keyword patterns.
func (c Criteria) Validate() error {
	if c.MaxAgeDays != nil && *c.MaxAgeDays < 0 {
		return &InputError{Field: "max_age_days", Value: fmt.Sprint(*c.MaxAgeDays), Err: ErrInvalidCriteria}
	}
	if c.MinComments != nil && *c.MinComments < 0 {
		return &InputError{Field: "min_comments", Value: fmt.Sprint(*c.MinComments), Err: ErrInvalidCriteria}
	}
	if c.MinScore != nil && (math.IsNaN(*c.MinScore) || math.IsInf(*c.MinScore, 0)) {
		return &InputError{Field: "min_score", Value: fmt.Sprint(*c.MinScore), Err: ErrInvalidCriteria}
	}
	for _, kw := range c.IncludeKeywords {
		if err := validatePattern(kw); err != nil {
			return &InputError{Field: "include_keywords", Value: truncatePattern(kw), Err: err}
		}
	}
	for _, kw := range c.ExcludeKeywords {
		if err := validatePattern(kw); err != nil {
			return &InputError{Field: "exclude_keywords", Value: truncatePattern(kw), Err: err}
		}
	}
	return nil
}

func (c Criteria) caseSensitive() bool {
	return c.CaseSensitive != nil && *c.CaseSensitive
}

func (c Criteria) IsEmpty() bool {
	return c.MaxAgeDays == nil && c.MinScore == nil && c.MinComments == nil &&
		len(c.IncludeKeywords) == 0 && len(c.ExcludeKeywords) == 0
}

func validatePattern(p string) error {
	if len(p) > MaxPatternLength {
		return fmt.Errorf("%w: longer than %d characters", ErrUnsafePattern, MaxPatternLength)
	}
	if n := strings.Count(p, "*") + strings.Count(p, "?"); n > MaxWildcards {
		return fmt.Errorf("%w: %d wildcards, at most %d allowed", ErrUnsafePattern, n, MaxWildcards)
	}
	return nil
}

func truncatePattern(p string) string {
	if len(p) <= 40 {
		return p
	}
	return truncateUTF8(p, 40) + "..."
}
