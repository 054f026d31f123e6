package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/harvest/app/config"
	"github.com/lysyi3m/harvest/app/feed"
	"github.com/lysyi3m/harvest/app/filter"
	"github.com/lysyi3m/harvest/app/freshness"
	"github.com/lysyi3m/harvest/app/output"
	"github.com/lysyi3m/harvest/app/state"
)

const SourceTypeRSS = "rss"

// Fetcher downloads a document, pacing and retrying as configured.
type Fetcher interface {
	GetWithTimeout(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// CollectStats summarizes one collection run of a feed.
type CollectStats struct {
	Total     int
	Processed int
	New       int
	Updated   int
	Unchanged int
	Filtered  int
	Errors    int

	// FilterReasons maps each filtered item to why it was excluded.
	FilterReasons map[string]string
}

// CollectDeps are the collaborators shared by every collect task.
type CollectDeps struct {
	Fetcher  Fetcher
	Parser   *feed.Parser
	Filterer *feed.Filterer
	Policy   *freshness.Policy
	Store    state.Store
	Sink     output.Sink
	Now      func() time.Time
	Logger   *slog.Logger
}

type CollectFeedTask struct {
	Task
	Rule      *config.FeedRule
	Criteria  filter.Criteria
	Actions   []string
	FeedTitle string
	Stats     CollectStats
	deps      CollectDeps
}

func NewCollectFeedTask(rules *config.Rules, rule *config.FeedRule, deps CollectDeps) *CollectFeedTask {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &CollectFeedTask{
		Task:     NewTask(TaskTypeCollectFeed, rule.Name, deps.Logger),
		Rule:     rule,
		Criteria: rules.EffectiveCriteria(rule),
		Actions:  rules.EffectiveActions(rule),
		deps:     deps,
	}
}

func (t *CollectFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !t.Rule.Settings.IsEnabled() {
		t.Logger().Debug("Feed disabled, skipping")
		return nil
	}

	data, err := t.deps.Fetcher.GetWithTimeout(ctx, t.Rule.URL, t.Rule.Settings.GetTimeout())
	if err != nil {
		return fmt.Errorf("failed to fetch feed: %w", err)
	}

	metadata, items, err := t.deps.Parser.Run(data)
	if err != nil {
		return fmt.Errorf("failed to parse feed: %w", err)
	}
	t.FeedTitle = metadata.Title

	if limit := t.Rule.Settings.MaxItems; limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	items, err = t.deps.Filterer.Run(items, t.Criteria)
	if err != nil {
		return fmt.Errorf("failed to filter items: %w", err)
	}

	// A retried task starts its counts over.
	t.Stats = CollectStats{Total: len(items)}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := t.processItem(ctx, &items[i])
		if err != nil {
			outcome = outcomeError
			t.Logger().Warn("Item processing failed", "item", items[i].GUID, "error", err)
			if errors.Is(err, context.Canceled) {
				return err
			}
		}
		t.count(outcome)
	}

	t.Logger().Info("Task completed",
		"feed_title", t.FeedTitle,
		"duration", t.GetDuration(),
		"total", t.Stats.Total,
		"processed", t.Stats.Processed,
		"new", t.Stats.New,
		"updated", t.Stats.Updated,
		"unchanged", t.Stats.Unchanged,
		"filtered", t.Stats.Filtered,
		"errors", t.Stats.Errors)

	return nil
}

func (t *CollectFeedTask) count(outcome string) {
	metricItems.WithLabelValues(t.FeedName, outcome).Inc()
	switch outcome {
	case outcomeNew:
		t.Stats.New++
		t.Stats.Processed++
	case outcomeUpdated:
		t.Stats.Updated++
		t.Stats.Processed++
	case outcomePending:
		t.Stats.Unchanged++
		t.Stats.Processed++
	case outcomeUnchanged:
		t.Stats.Unchanged++
	case outcomeFiltered:
		t.Stats.Filtered++
	case outcomeError:
		t.Stats.Errors++
	}
}

// processItem decides what the item needs, runs the owed actions and
// commits the item's state before the next item is looked at.
func (t *CollectFeedTask) processItem(ctx context.Context, item *feed.Item) (string, error) {
	stored, err := t.deps.Store.Get(ctx, item.GUID)
	if err != nil {
		return "", fmt.Errorf("failed to read state: %w", err)
	}

	verdict := t.deps.Policy.Evaluate(stored, item.Counters(), t.Actions)

	var actions []string
	switch {
	case verdict.Decision.NeedsProcessing():
		actions = t.Actions
	case len(verdict.Pending) > 0:
		actions = verdict.Pending
	default:
		return outcomeUnchanged, nil
	}

	if item.IsFiltered {
		if t.Stats.FilterReasons == nil {
			t.Stats.FilterReasons = make(map[string]string)
		}
		t.Stats.FilterReasons[item.GUID] = item.FilterReason
		t.Logger().Debug("Item filtered", "item", item.GUID, "reason", item.FilterReason)
		return outcomeFiltered, nil
	}

	applied, actionErr := t.apply(ctx, item, verdict.Decision, actions)
	if len(applied) > 0 {
		err := t.deps.Store.Update(ctx, map[string]state.Delta{
			item.GUID: {
				SourceType: SourceTypeRSS,
				SourceName: t.FeedName,
				Actions:    applied,
				Counters:   item.Counters(),
				Metadata:   t.stateMetadata(item),
			},
		})
		if err != nil {
			return "", fmt.Errorf("failed to update state: %w", err)
		}
	}
	if actionErr != nil {
		return "", actionErr
	}

	switch verdict.Decision {
	case freshness.New:
		return outcomeNew, nil
	case freshness.Update:
		return outcomeUpdated, nil
	default:
		return outcomePending, nil
	}
}

// apply runs actions in order and stops at the first failure, returning
// the ones that completed.
func (t *CollectFeedTask) apply(ctx context.Context, item *feed.Item, decision freshness.Decision, actions []string) ([]string, error) {
	applied := make([]string, 0, len(actions))
	for _, action := range actions {
		switch action {
		case config.ActionSave:
			if err := t.deps.Sink.Write(ctx, t.entry(item, decision)); err != nil {
				return applied, fmt.Errorf("failed to save item: %w", err)
			}
		case config.ActionLog:
			t.Logger().Info("Item collected", "item", item.GUID, "title", item.Title, "decision", decision.String())
		default:
			return applied, fmt.Errorf("unknown action: %s", action)
		}
		applied = append(applied, action)
	}
	return applied, nil
}

func (t *CollectFeedTask) stateMetadata(item *feed.Item) map[string]any {
	metadata := item.StateMetadata()
	if t.FeedTitle != "" {
		metadata["feed_title"] = t.FeedTitle
	}
	return metadata
}

func (t *CollectFeedTask) entry(item *feed.Item, decision freshness.Decision) output.Entry {
	return output.Entry{
		ItemID:      item.GUID,
		SourceType:  SourceTypeRSS,
		SourceName:  t.FeedName,
		Decision:    decision.String(),
		Title:       item.Title,
		Link:        item.Link,
		Description: item.Description,
		Content:     item.Content,
		Authors:     item.Authors,
		Categories:  item.Categories,
		PublishedAt: item.PublishedAt,
		Comments:    item.CommentCount,
		CollectedAt: t.deps.Now().UTC(),
	}
}
