package feed

import (
	"testing"
	"time"
)

func TestItemCounters(t *testing.T) {
	updated := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	comments := 7

	item := Item{CommentCount: &comments, UpdatedAt: &updated}
	counters := item.Counters()

	if counters[CounterComments] != 7 {
		t.Errorf("Expected comments counter 7, got %d", counters[CounterComments])
	}
	if counters[CounterUpdated] != updated.Unix() {
		t.Errorf("Expected updated counter %d, got %d", updated.Unix(), counters[CounterUpdated])
	}

	if len((&Item{}).Counters()) != 0 {
		t.Error("Expected no counters for an item without activity data")
	}
}

func TestItemFilterContent(t *testing.T) {
	published := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	item := Item{Title: "T", Description: "summary", Content: "full", PublishedAt: &published}

	content := item.FilterContent()
	if content.Body != "full" {
		t.Errorf("Expected body to prefer full content, got %q", content.Body)
	}
	if created, ok := content.CreatedDate.(time.Time); !ok || !created.Equal(published) {
		t.Errorf("Expected created date %v, got %v", published, content.CreatedDate)
	}
	if content.CommentCount != nil {
		t.Errorf("Expected unknown comment count to stay nil, got %v", content.CommentCount)
	}

	item.Content = ""
	if item.FilterContent().Body != "summary" {
		t.Error("Expected body to fall back to description")
	}
}

func TestItemStateMetadata(t *testing.T) {
	item := Item{Title: "T", Link: "https://example.com/a", ContentHash: "abc"}
	metadata := item.StateMetadata()

	if metadata["title"] != "T" || metadata["link"] != "https://example.com/a" {
		t.Errorf("Unexpected metadata: %v", metadata)
	}
	if _, ok := metadata["published_at"]; ok {
		t.Error("Expected no published_at for undated item")
	}
}
