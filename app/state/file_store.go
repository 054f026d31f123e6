package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	backendJSON = "json"

	keySchemaVersion = "_schema_version"
	keyChecksum      = "_checksum"
	keyLastUpdated   = "_last_updated"

	lockPollInterval = 50 * time.Millisecond
)

func isReservedKey(id string) bool {
	switch id {
	case keySchemaVersion, keyChecksum, keyLastUpdated:
		return true
	}
	return false
}

// FileStore keeps all records in a single JSON document. Writers serialize on
// an advisory lock held on a sibling "<path>.lock" file and replace the
// document with an atomic rename.
type FileStore struct {
	path     string
	lockPath string
	opts     options
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, newError("open", backendJSON, errors.New("state path is required"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, newError("open", backendJSON, fmt.Errorf("failed to resolve state path: %w", err))
	}
	return &FileStore{
		path:     abs,
		lockPath: abs + ".lock",
		opts:     newOptions(opts),
	}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (*Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.read()
	if err != nil {
		return nil, newError("load", backendJSON, err)
	}
	return c, nil
}

func (s *FileStore) Get(ctx context.Context, itemID string) (*Record, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return cloneRecord(c.Items[itemID]), nil
}

func (s *FileStore) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	rec, err := s.Get(ctx, itemID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (s *FileStore) MarkProcessed(ctx context.Context, itemID, sourceType, sourceName string, metadata map[string]any) error {
	return s.Update(ctx, map[string]Delta{
		itemID: {SourceType: sourceType, SourceName: sourceName, Metadata: metadata},
	})
}

func (s *FileStore) Update(ctx context.Context, deltas map[string]Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := validateDeltas(deltas, isReservedKey); err != nil {
		return newError("update", backendJSON, err)
	}

	return s.withLock(ctx, "update", func() error {
		c, err := s.read()
		if err != nil {
			return err
		}

		now := s.opts.nowUTC()
		for id, d := range deltas {
			c.Items[id] = mergeDelta(c.Items[id], id, d, now)
		}
		if n := evict(c.Items, s.opts.maxItems); n > 0 {
			s.opts.logger.Info("Evicted oldest state entries", "backend", backendJSON, "evicted", n, "max_items", s.opts.maxItems)
		}

		return s.write(c, now)
	})
}

func (s *FileStore) CleanupOlderThan(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, newError("cleanup", backendJSON, ErrNegativeRetention)
	}
	removed := 0
	err := s.withLock(ctx, "cleanup", func() error {
		c, err := s.read()
		if err != nil {
			return err
		}
		now := s.opts.nowUTC()
		removed = removeOlderThan(c.Items, retentionCutoff(now, retentionDays))
		if removed == 0 {
			return nil
		}
		return s.write(c, now)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) List(ctx context.Context, q Query) ([]Record, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return listRecords(c.Items, q), nil
}

func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return statsFor(c.Items), nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) withLock(ctx context.Context, op string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return newError(op, backendJSON, fmt.Errorf("failed to create state directory: %w", err))
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return newError(op, backendJSON, fmt.Errorf("failed to open lock file: %w", err))
	}
	defer f.Close()

	if err := s.acquire(ctx, f); err != nil {
		return newError(op, backendJSON, err)
	}
	defer func() {
		if err := unlock(f); err != nil {
			s.opts.logger.Warn("Failed to release state lock", "path", s.lockPath, "error", err)
		}
	}()

	if err := fn(); err != nil {
		return newError(op, backendJSON, err)
	}
	return nil
}

func (s *FileStore) acquire(ctx context.Context, f *os.File) error {
	deadline := time.Now().Add(s.opts.lockTimeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", s.lockPath, err)
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s", ErrLockTimeout, s.opts.lockTimeout)
		}

		wait := min(lockPollInterval, remaining)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// read parses the state document. Structural corruption resets the store to
// an empty container; only I/O failures are returned as errors.
func (s *FileStore) read() (*Container, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewContainer(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewContainer(), nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		s.opts.logger.Warn("State file is not a JSON object, starting with empty state", "path", s.path, "error", err)
		return NewContainer(), nil
	}

	c := NewContainer()
	if raw, ok := doc[keySchemaVersion]; ok {
		if err := json.Unmarshal(raw, &c.SchemaVersion); err != nil {
			s.opts.logger.Warn("Invalid schema version in state file", "path", s.path, "error", err)
			c.SchemaVersion = SchemaVersion
		}
	}
	var storedChecksum string
	if raw, ok := doc[keyChecksum]; ok {
		_ = json.Unmarshal(raw, &storedChecksum)
	}

	rawItems := make(map[string]json.RawMessage, len(doc))
	for key, raw := range doc {
		if !isReservedKey(key) {
			rawItems[key] = raw
		}
	}

	if storedChecksum != "" {
		sum, err := checksum(rawItems)
		if err != nil || sum != storedChecksum {
			s.opts.logger.Warn("State file checksum mismatch, starting with empty state", "path", s.path)
			return NewContainer(), nil
		}
		c.Checksum = storedChecksum
	}

	for id, raw := range rawItems {
		rec, err := decodeRecord(raw)
		if err != nil {
			s.opts.logger.Warn("Dropping malformed state entry", "item_id", id, "error", err)
			continue
		}
		rec.ItemID = id
		c.Items[id] = rec
	}

	return c, nil
}

func decodeRecord(raw json.RawMessage) (*Record, error) {
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("entry is not an object")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.LastProcessed.IsZero() {
		return nil, errors.New("missing last_processed")
	}
	if rec.ActionsApplied == nil {
		rec.ActionsApplied = []string{}
	}
	return &rec, nil
}

func (s *FileStore) write(c *Container, now time.Time) error {
	rawItems := make(map[string]json.RawMessage, len(c.Items))
	for id, rec := range c.Items {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode state entry %q: %w", id, err)
		}
		rawItems[id] = raw
	}

	sum, err := checksum(rawItems)
	if err != nil {
		return fmt.Errorf("failed to compute state checksum: %w", err)
	}

	doc := make(map[string]any, len(rawItems)+3)
	for id, raw := range rawItems {
		doc[id] = raw
	}
	doc[keySchemaVersion] = SchemaVersion
	doc[keyChecksum] = sum
	doc[keyLastUpdated] = now.Format(time.RFC3339)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state file: %w", err)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	c.SchemaVersion = SchemaVersion
	c.Checksum = sum
	return nil
}

// checksum hashes the compacted, key-sorted encoding of the item entries.
func checksum(items map[string]json.RawMessage) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
