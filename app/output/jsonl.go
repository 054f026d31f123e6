// Package output writes collected items to their destination.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one collected item as written by the save action.
type Entry struct {
	ItemID      string     `json:"item_id"`
	SourceType  string     `json:"source_type"`
	SourceName  string     `json:"source_name"`
	Decision    string     `json:"decision"`
	Title       string     `json:"title"`
	Link        string     `json:"link,omitempty"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content,omitempty"`
	Authors     []string   `json:"authors,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Comments    *int       `json:"comments,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
}

type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// JSONLines appends one JSON document per line to a file.
type JSONLines struct {
	path string
	mu   sync.Mutex
}

func NewJSONLines(path string) (*JSONLines, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &JSONLines{path: path}, nil
}

func (s *JSONLines) Path() string {
	return s.path
}

// Write appends entry with a single write call so concurrent processes
// appending to the same file do not interleave lines.
func (s *JSONLines) Write(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return f.Close()
}
