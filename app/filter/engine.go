// Package filter decides whether collected content is worth keeping, using
// age, score, comment-count and keyword criteria.
package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Content is the shape-independent view of one item. Score, CommentCount
// and CreatedDate accept whatever the source produced; values that cannot
// be interpreted skip their check instead of failing it.
type Content struct {
	Title        string
	Body         string
	Score        any
	CommentCount any
	CreatedDate  any
}

type Stage string

const (
	StageAge      Stage = "age"
	StageScore    Stage = "score"
	StageComments Stage = "comments"
	StageInclude  Stage = "include"
	StageExclude  Stage = "exclude"
)

type Result struct {
	Passed  bool
	Stage   Stage
	Reason  string
	Keyword string
}

type Engine struct {
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Passes(content Content, criteria Criteria) (bool, error) {
	res, err := e.Evaluate(content, criteria)
	if err != nil {
		return false, err
	}
	return res.Passed, nil
}

// Evaluate runs the age, score, comments, include and exclude checks in
// that order and stops at the first failure.
func (e *Engine) Evaluate(content Content, criteria Criteria) (Result, error) {
	if err := criteria.Validate(); err != nil {
		return Result{}, err
	}

	if res, rejected := e.checkAge(content, criteria); rejected {
		return e.reject(content, res), nil
	}

	if criteria.MinScore != nil {
		if score, ok := toFloat(content.Score); ok && score < *criteria.MinScore {
			return e.reject(content, Result{
				Stage:  StageScore,
				Reason: fmt.Sprintf("Excluded by score filter: %g is below %g", score, *criteria.MinScore),
			}), nil
		}
	}

	if criteria.MinComments != nil {
		if comments, ok := toFloat(content.CommentCount); ok && comments < float64(*criteria.MinComments) {
			return e.reject(content, Result{
				Stage:  StageComments,
				Reason: fmt.Sprintf("Excluded by comments filter: %g is below %d", comments, *criteria.MinComments),
			}), nil
		}
	}

	if len(criteria.IncludeKeywords) == 0 && len(criteria.ExcludeKeywords) == 0 {
		return Result{Passed: true}, nil
	}

	m := newKeywordMatcher(searchText(content), criteria.caseSensitive())

	if len(criteria.IncludeKeywords) > 0 {
		if _, ok := m.first(criteria.IncludeKeywords); !ok {
			return e.reject(content, Result{
				Stage:  StageInclude,
				Reason: fmt.Sprintf("Excluded by include filter: does not contain any of %v", criteria.IncludeKeywords),
			}), nil
		}
	}

	if kw, ok := m.first(criteria.ExcludeKeywords); ok {
		return e.reject(content, Result{
			Stage:   StageExclude,
			Reason:  fmt.Sprintf("Excluded by exclude filter: contains '%s'", kw),
			Keyword: kw,
		}), nil
	}

	return Result{Passed: true}, nil
}

func (e *Engine) checkAge(content Content, criteria Criteria) (Result, bool) {
	if criteria.MaxAgeDays == nil {
		return Result{}, false
	}
	created, ok := toTime(content.CreatedDate)
	if !ok {
		if content.CreatedDate != nil {
			e.logger.Debug("Age filter skipped", "title", content.Title, "created", content.CreatedDate)
		}
		return Result{}, false
	}

	cutoff := e.now().UTC().Add(-time.Duration(*criteria.MaxAgeDays) * 24 * time.Hour)
	if created.Before(cutoff) {
		return Result{
			Stage: StageAge,
			Reason: fmt.Sprintf("Excluded by age filter: created %s, older than %d days",
				created.Format(time.RFC3339), *criteria.MaxAgeDays),
		}, true
	}
	return Result{}, false
}

func (e *Engine) reject(content Content, res Result) Result {
	res.Passed = false
	e.logger.Debug("Content rejected", "title", content.Title, "stage", string(res.Stage), "reason", res.Reason)
	return res
}

func searchText(content Content) string {
	body := content.Body
	if looksLikeHTML(body) {
		body = StripHTML(body)
	} else {
		body = truncateUTF8(body, MaxSearchBytes)
	}
	title := truncateUTF8(content.Title, MaxSearchBytes)

	switch {
	case title == "":
		return body
	case body == "":
		return title
	}
	return title + " " + body
}

func toTime(v any) (time.Time, bool) {
	var t time.Time
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		t = val
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		t = *val
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			parsed, err = dateparse.ParseIn(s, time.UTC)
			if err != nil {
				return time.Time{}, false
			}
		}
		t = parsed
	default:
		secs, ok := toFloat(v)
		if !ok || math.IsNaN(secs) || secs < minEpochSeconds || secs > maxEpochSeconds {
			return time.Time{}, false
		}
		whole, frac := math.Modf(secs)
		t = time.Unix(int64(whole), int64(frac*1e9))
	}
	if t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Epoch values outside years 1 through 9999 are treated as malformed.
const (
	minEpochSeconds = -62135596800
	maxEpochSeconds = 253402300799
)

func toFloat(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0, false
	case int:
		f = float64(val)
	case int8:
		f = float64(val)
	case int16:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint:
		f = float64(val)
	case uint8:
		f = float64(val)
	case uint16:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case float32:
		f = float64(val)
	case float64:
		f = val
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case *int:
		if val == nil {
			return 0, false
		}
		f = float64(*val)
	case *float64:
		if val == nil {
			return 0, false
		}
		f = *val
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
