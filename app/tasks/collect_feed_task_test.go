package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/harvest/app/config"
	"github.com/lysyi3m/harvest/app/feed"
	"github.com/lysyi3m/harvest/app/filter"
	"github.com/lysyi3m/harvest/app/freshness"
	"github.com/lysyi3m/harvest/app/output"
	"github.com/lysyi3m/harvest/app/remote"
	"github.com/lysyi3m/harvest/app/state"
)

type testItem struct {
	guid     string
	title    string
	comments int
}

func renderFeed(items []testItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>
<rss version="2.0" xmlns:slash="http://purl.org/rss/1.0/modules/slash/">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
`)
	for _, it := range items {
		fmt.Fprintf(&b, `    <item>
      <title>%s</title>
      <link>https://example.com/%s</link>
      <guid>%s</guid>
      <pubDate>%s</pubDate>
      <slash:comments>%d</slash:comments>
    </item>
`, it.title, it.guid, it.guid, time.Now().Add(-time.Hour).UTC().Format(time.RFC1123Z), it.comments)
	}
	b.WriteString("  </channel>\n</rss>")
	return b.String()
}

type feedServer struct {
	*httptest.Server
	mu   sync.Mutex
	body string
}

func newFeedServer(t *testing.T, items []testItem) *feedServer {
	s := &feedServer{body: renderFeed(items)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(s.body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *feedServer) set(items []testItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = renderFeed(items)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []output.Entry
	failOn  string
}

func (s *recordingSink) Write(ctx context.Context, entry output.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ItemID == s.failOn {
		return errors.New("disk full")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type harness struct {
	store state.Store
	sink  *recordingSink
	deps  CollectDeps
}

func newHarness(t *testing.T) *harness {
	store, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	retrier := remote.NewRetrier(remote.WithMaxAttempts(2), remote.WithBaseDelay(time.Millisecond), remote.WithMaxJitter(0))
	client := remote.NewClient(nil, remote.NewRateLimiter(0), retrier, remote.ClientConfig{UserAgent: "harvest-test"}, nil)
	sink := &recordingSink{}

	return &harness{
		store: store,
		sink:  sink,
		deps: CollectDeps{
			Fetcher:  client,
			Parser:   feed.NewParser(),
			Filterer: feed.NewFilterer(nil),
			Policy:   freshness.NewPolicy(),
			Store:    store,
			Sink:     sink,
		},
	}
}

func (h *harness) run(t *testing.T, rules *config.Rules) CollectStats {
	t.Helper()
	task := NewCollectFeedTask(rules, &rules.Feeds[0], h.deps)
	task.Start()
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Expected collection to succeed, got %v", err)
	}
	return task.Stats
}

func testRules(url string, actions ...string) *config.Rules {
	return &config.Rules{
		Defaults: config.Defaults{
			Actions: []string{config.ActionSave},
			Filters: filter.Criteria{ExcludeKeywords: []string{"sponsored"}},
		},
		Feeds: []config.FeedRule{{Name: "test", URL: url, Actions: actions}},
	}
}

func TestCollectFeedTask_FirstAndRepeatedRuns(t *testing.T) {
	server := newFeedServer(t, []testItem{
		{"a", "Go 1.24 released", 3},
		{"b", "Sponsored: buy now", 0},
		{"c", "Understanding generics", 10},
	})
	h := newHarness(t)
	rules := testRules(server.URL)

	stats := h.run(t, rules)
	if stats.New != 2 || stats.Filtered != 1 || stats.Errors != 0 {
		t.Errorf("First run: expected 2 new and 1 filtered, got %+v", stats)
	}
	if h.sink.count() != 2 {
		t.Errorf("Expected 2 saved entries, got %d", h.sink.count())
	}

	rec, err := h.store.Get(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.HasAction(config.ActionSave) || rec.SourceName != "test" {
		t.Fatalf("Expected saved record for 'a', got %+v", rec)
	}
	if rec.FreshnessCounters[feed.CounterComments] != 3 {
		t.Errorf("Expected comments counter 3, got %d", rec.FreshnessCounters[feed.CounterComments])
	}
	if processed, _ := h.store.IsProcessed(context.Background(), "b"); processed {
		t.Error("Expected filtered item not to be recorded")
	}
	if reason := stats.FilterReasons["b"]; !strings.Contains(reason, "sponsored") {
		t.Errorf("Expected filter reason naming 'sponsored', got %q", reason)
	}
	if rec.Metadata["feed_title"] != "Test Feed" {
		t.Errorf("Expected feed title in record metadata, got %v", rec.Metadata["feed_title"])
	}

	stats = h.run(t, rules)
	if stats.Unchanged != 2 || stats.New != 0 || stats.Processed != 0 {
		t.Errorf("Second run: expected 2 unchanged and nothing processed, got %+v", stats)
	}
	if h.sink.count() != 2 {
		t.Errorf("Expected no additional saves, got %d entries", h.sink.count())
	}
}

func TestCollectFeedTask_ActivityTriggersUpdate(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "Thread", 3}, {"b", "Other", 1}})
	h := newHarness(t)
	rules := testRules(server.URL)

	h.run(t, rules)

	server.set([]testItem{{"a", "Thread", 8}, {"b", "Other", 1}})
	stats := h.run(t, rules)
	if stats.Updated != 1 || stats.Unchanged != 1 {
		t.Errorf("Expected 1 updated and 1 unchanged, got %+v", stats)
	}

	rec, _ := h.store.Get(context.Background(), "a")
	if rec.FreshnessCounters[feed.CounterComments] != 8 {
		t.Errorf("Expected comments counter 8, got %d", rec.FreshnessCounters[feed.CounterComments])
	}
	if last := h.sink.entries[len(h.sink.entries)-1]; last.ItemID != "a" || last.Decision != "update" {
		t.Errorf("Expected re-saved 'a' with decision update, got %+v", last)
	}
}

func TestCollectFeedTask_NewActionRunsAsPending(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "Thread", 3}})
	h := newHarness(t)

	h.run(t, testRules(server.URL, config.ActionSave))

	stats := h.run(t, testRules(server.URL, config.ActionSave, config.ActionLog))
	if stats.Unchanged != 1 || stats.Processed != 1 {
		t.Errorf("Expected unchanged item with pending action to be processed, got %+v", stats)
	}
	if h.sink.count() != 1 {
		t.Errorf("Expected save not to run again, got %d entries", h.sink.count())
	}

	rec, _ := h.store.Get(context.Background(), "a")
	if !rec.HasAction(config.ActionSave) || !rec.HasAction(config.ActionLog) {
		t.Errorf("Expected both actions recorded, got %v", rec.ActionsApplied)
	}
}

func TestCollectFeedTask_ItemFailureIsIsolated(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "One", 1}, {"b", "Two", 1}, {"c", "Three", 1}})
	h := newHarness(t)
	h.sink.failOn = "b"

	stats := h.run(t, testRules(server.URL))
	if stats.New != 2 || stats.Errors != 1 {
		t.Errorf("Expected 2 new and 1 error, got %+v", stats)
	}
	if processed, _ := h.store.IsProcessed(context.Background(), "b"); processed {
		t.Error("Expected failed item to stay unrecorded so the next run retries it")
	}

	h.sink.failOn = ""
	stats = h.run(t, testRules(server.URL))
	if stats.New != 1 || stats.Unchanged != 2 {
		t.Errorf("Expected failed item to be collected on the next run, got %+v", stats)
	}
}

type lockTimeoutStore struct {
	state.Store
	failOn string
}

func (s *lockTimeoutStore) Update(ctx context.Context, deltas map[string]state.Delta) error {
	if _, ok := deltas[s.failOn]; ok {
		return &state.Error{Op: "update", Backend: "json", Err: state.ErrLockTimeout}
	}
	return s.Store.Update(ctx, deltas)
}

func TestCollectFeedTask_StateErrorIsIsolated(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "One", 1}, {"b", "Two", 1}, {"c", "Three", 1}})
	h := newHarness(t)

	var logs bytes.Buffer
	h.deps.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h.deps.Store = &lockTimeoutStore{Store: h.store, failOn: "b"}

	stats := h.run(t, testRules(server.URL))
	if stats.New != 2 || stats.Errors != 1 {
		t.Errorf("Expected 2 new and 1 error, got %+v", stats)
	}
	if processed, _ := h.store.IsProcessed(context.Background(), "b"); processed {
		t.Error("Expected item with failed state write to stay unrecorded")
	}
	if processed, _ := h.store.IsProcessed(context.Background(), "c"); !processed {
		t.Error("Expected the item after the failure to be recorded")
	}

	out := logs.String()
	if !strings.Contains(out, state.ErrLockTimeout.Error()) {
		t.Errorf("Expected lock timeout in logs, got %q", out)
	}
	if !strings.Contains(out, "feed=test") || !strings.Contains(out, `feed_title="Test Feed"`) {
		t.Errorf("Expected injected logger to carry feed attributes, got %q", out)
	}
}

func TestCollectFeedTask_MaxItems(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "One", 1}, {"b", "Two", 1}, {"c", "Three", 1}})
	h := newHarness(t)
	rules := testRules(server.URL)
	rules.Feeds[0].Settings.MaxItems = 2

	stats := h.run(t, rules)
	if stats.Total != 2 || stats.New != 2 {
		t.Errorf("Expected only 2 items considered, got %+v", stats)
	}
}

func TestCollectFeedTask_FetchFailure(t *testing.T) {
	server := newFeedServer(t, nil)
	h := newHarness(t)

	rules := testRules(server.URL + "/missing")

	task := NewCollectFeedTask(rules, &rules.Feeds[0], h.deps)
	err := task.Execute(context.Background())

	var permanent *remote.PermanentError
	if !errors.As(err, &permanent) {
		t.Errorf("Expected permanent fetch error, got %v", err)
	}
}

func TestCollectFeedTask_DisabledFeed(t *testing.T) {
	h := newHarness(t)
	rules := testRules("http://127.0.0.1:1/never")
	rules.Feeds[0].Settings.Enabled = filter.Ptr(false)

	task := NewCollectFeedTask(rules, &rules.Feeds[0], h.deps)
	if err := task.Execute(context.Background()); err != nil {
		t.Errorf("Expected disabled feed to be skipped, got %v", err)
	}
}

func TestCollectFeedTask_CancelledContext(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "One", 1}})
	h := newHarness(t)
	rules := testRules(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewCollectFeedTask(rules, &rules.Feeds[0], h.deps)
	if err := task.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCollectFeedTask_SharedStateAcrossTasks(t *testing.T) {
	server := newFeedServer(t, []testItem{{"a", "One", 1}, {"b", "Two", 1}})
	h := newHarness(t)

	other, err := state.NewFileStore(h.store.(*state.FileStore).Path())
	if err != nil {
		t.Fatal(err)
	}
	otherDeps := h.deps
	otherDeps.Store = other

	rules := testRules(server.URL)
	first := NewCollectFeedTask(rules, &rules.Feeds[0], h.deps)
	second := NewCollectFeedTask(rules, &rules.Feeds[0], otherDeps)

	var wg sync.WaitGroup
	for _, task := range []*CollectFeedTask{first, second} {
		wg.Add(1)
		go func(task *CollectFeedTask) {
			defer wg.Done()
			if err := task.Execute(context.Background()); err != nil {
				t.Error(err)
			}
		}(task)
	}
	wg.Wait()

	stats, err := h.store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("Expected 2 records after concurrent runs, got %d", stats.Total)
	}
}
