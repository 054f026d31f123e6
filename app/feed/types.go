package feed

import (
	"cmp"
	"time"

	"github.com/lysyi3m/harvest/app/filter"
)

// Feed processing types

type Metadata struct {
	Title           string
	Link            string
	Description     string
	ImageURL        string
	Language        string
	FeedPublishedAt *time.Time
	FeedUpdatedAt   *time.Time
}

type Item struct {
	GUID         string
	Title        string
	Link         string
	Description  string
	Content      string
	PublishedAt  *time.Time
	UpdatedAt    *time.Time
	Authors      []string // Multiple authors in format "email (name)" or "name"
	Categories   []string
	CommentCount *int // slash:comments or thr:total, when the feed publishes one

	ContentHash  string
	IsFiltered   bool
	FilterReason string
}

// Freshness counter keys recorded per item.
const (
	CounterComments = "comments"
	CounterUpdated  = "updated"
)

// Counters returns the activity counters used to detect that an already
// collected item changed since the last run.
func (i *Item) Counters() map[string]int64 {
	counters := make(map[string]int64, 2)
	if i.CommentCount != nil {
		counters[CounterComments] = int64(*i.CommentCount)
	}
	if i.UpdatedAt != nil {
		counters[CounterUpdated] = i.UpdatedAt.Unix()
	}
	return counters
}

// FilterContent maps the item onto the filter engine's content view.
func (i *Item) FilterContent() filter.Content {
	content := filter.Content{
		Title: i.Title,
		Body:  cmp.Or(i.Content, i.Description),
	}
	if i.CommentCount != nil {
		content.CommentCount = *i.CommentCount
	}
	if i.PublishedAt != nil {
		content.CreatedDate = *i.PublishedAt
	} else if i.UpdatedAt != nil {
		content.CreatedDate = *i.UpdatedAt
	}
	return content
}

// StateMetadata is the descriptive metadata stored with the item's record.
func (i *Item) StateMetadata() map[string]any {
	metadata := map[string]any{
		"title":        i.Title,
		"link":         i.Link,
		"content_hash": i.ContentHash,
	}
	if i.PublishedAt != nil {
		metadata["published_at"] = i.PublishedAt.UTC().Format(time.RFC3339)
	}
	if len(i.Authors) > 0 {
		metadata["authors"] = i.Authors
	}
	return metadata
}
