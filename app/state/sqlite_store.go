package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	backendSQLite = "sqlite"
	itemsTable    = "processed_items"

	// Fixed width so that timestamps compare correctly as strings.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var itemColumns = []string{
	"item_id", "source_type", "source_name", "actions_json",
	"counters_json", "metadata_json", "processed_timestamp",
}

var insertColumns = append(append([]string{}, itemColumns...), "created_at")

// SQLiteStore keeps one row per item. Writers use BEGIN IMMEDIATE so the
// database write lock is taken before the re-read, and SQLite's busy timeout
// bounds the wait for it.
type SQLiteStore struct {
	db   *sql.DB
	path string
	opts options
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, newError("open", backendSQLite, errors.New("state path is required"))
	}
	o := newOptions(opts)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, newError("open", backendSQLite, fmt.Errorf("failed to create state directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, o.lockTimeout))
	if err != nil {
		return nil, newError("open", backendSQLite, fmt.Errorf("failed to open database: %w", err))
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, newError("open", backendSQLite, mapSQLiteError(fmt.Errorf("failed to connect to database: %w", err)))
	}

	version, dirty, err := runMigrations(db)
	if err != nil {
		db.Close()
		return nil, newError("migrate", backendSQLite, mapSQLiteError(err))
	}
	o.logger.Debug("State database ready", "path", path, "schema_version", version, "dirty", dirty)

	return &SQLiteStore{db: db, path: path, opts: o}, nil
}

func sqliteDSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// mapSQLiteError turns a busy database into ErrLockTimeout; the busy handler
// has already waited the full lock timeout by the time SQLITE_BUSY surfaces.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (*Container, error) {
	records, err := s.query(ctx, s.db, sq.Select(itemColumns...).From(itemsTable))
	if err != nil {
		return nil, newError("load", backendSQLite, err)
	}
	c := NewContainer()
	for _, rec := range records {
		c.Items[rec.ItemID] = rec
	}
	return c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, itemID string) (*Record, error) {
	rec, err := s.get(ctx, s.db, itemID)
	if err != nil {
		return nil, newError("get", backendSQLite, err)
	}
	return rec, nil
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	query, args, err := sq.Select("1").From(itemsTable).Where(sq.Eq{"item_id": itemID}).Limit(1).ToSql()
	if err != nil {
		return false, newError("get", backendSQLite, err)
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, newError("get", backendSQLite, mapSQLiteError(err))
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, itemID, sourceType, sourceName string, metadata map[string]any) error {
	return s.Update(ctx, map[string]Delta{
		itemID: {SourceType: sourceType, SourceName: sourceName, Metadata: metadata},
	})
}

func (s *SQLiteStore) Update(ctx context.Context, deltas map[string]Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := validateDeltas(deltas, nil); err != nil {
		return newError("update", backendSQLite, err)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.opts.nowUTC()
		for id, d := range deltas {
			existing, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := s.upsert(ctx, tx, mergeDelta(existing, id, d, now), now); err != nil {
				return err
			}
		}
		return s.evict(ctx, tx)
	})
	if err != nil {
		return newError("update", backendSQLite, err)
	}
	return nil
}

func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, newError("cleanup", backendSQLite, ErrNegativeRetention)
	}
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := retentionCutoff(s.opts.nowUTC(), retentionDays)
		query, args, err := sq.Delete(itemsTable).
			Where(sq.LtOrEq{"processed_timestamp": formatTimestamp(cutoff)}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete old items: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, newError("cleanup", backendSQLite, err)
	}
	return int(removed), nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Record, error) {
	b := sq.Select(itemColumns...).From(itemsTable).
		OrderBy("processed_timestamp DESC", "item_id ASC")
	if q.SourceType != "" {
		b = b.Where(sq.Eq{"source_type": q.SourceType})
	}
	if q.SourceName != "" {
		b = b.Where(sq.Eq{"source_name": q.SourceName})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	records, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, newError("list", backendSQLite, err)
	}
	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = *rec
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		BySourceType: make(map[string]int),
		BySourceName: make(map[string]int),
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+itemsTable).Scan(&stats.Total); err != nil {
		return nil, newError("stats", backendSQLite, mapSQLiteError(err))
	}
	for column, target := range map[string]map[string]int{
		"source_type": stats.BySourceType,
		"source_name": stats.BySourceName,
	} {
		if err := s.countBy(ctx, column, target); err != nil {
			return nil, newError("stats", backendSQLite, err)
		}
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, target map[string]int) error {
	query, args, err := sq.Select(column, "COUNT(*)").From(itemsTable).GroupBy(column).ToSql()
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return mapSQLiteError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		target[key] = count
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, itemID string) (*Record, error) {
	records, err := s.query(ctx, q, sq.Select(itemColumns...).From(itemsTable).Where(sq.Eq{"item_id": itemID}))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *SQLiteStore) query(ctx context.Context, q queryer, b sq.SelectBuilder) ([]*Record, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError(fmt.Errorf("failed to query items: %w", err))
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			rec                                     Record
			actionsJSON, countersJSON, metadataJSON string
			processed                               string
		)
		if err := rows.Scan(&rec.ItemID, &rec.SourceType, &rec.SourceName,
			&actionsJSON, &countersJSON, &metadataJSON, &processed); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if err := decodeRow(&rec, actionsJSON, countersJSON, metadataJSON, processed); err != nil {
			s.opts.logger.Warn("Dropping malformed state row", "item_id", rec.ItemID, "error", err)
			continue
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError(fmt.Errorf("failed to iterate items: %w", err))
	}
	return records, nil
}

func decodeRow(rec *Record, actionsJSON, countersJSON, metadataJSON, processed string) error {
	if err := json.Unmarshal([]byte(actionsJSON), &rec.ActionsApplied); err != nil {
		return fmt.Errorf("invalid actions: %w", err)
	}
	if rec.ActionsApplied == nil {
		rec.ActionsApplied = []string{}
	}
	if err := json.Unmarshal([]byte(countersJSON), &rec.FreshnessCounters); err != nil {
		return fmt.Errorf("invalid counters: %w", err)
	}
	if len(rec.FreshnessCounters) == 0 {
		rec.FreshnessCounters = nil
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	t, err := time.Parse(time.RFC3339Nano, processed)
	if err != nil {
		return fmt.Errorf("invalid processed timestamp: %w", err)
	}
	rec.LastProcessed = t.UTC()
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, tx *sql.Tx, rec *Record, now time.Time) error {
	actions, err := json.Marshal(rec.ActionsApplied)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	counters, err := json.Marshal(nonNilCounters(rec.FreshnessCounters))
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(rec.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query, args, err := sq.Insert(itemsTable).
		Columns(insertColumns...).
		Values(rec.ItemID, rec.SourceType, rec.SourceName, string(actions),
			string(counters), string(metadata), formatTimestamp(rec.LastProcessed), formatTimestamp(now)).
		Suffix(`ON CONFLICT(item_id) DO UPDATE SET
			source_type = excluded.source_type,
			source_name = excluded.source_name,
			actions_json = excluded.actions_json,
			counters_json = excluded.counters_json,
			metadata_json = excluded.metadata_json,
			processed_timestamp = excluded.processed_timestamp`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert item %q: %w", rec.ItemID, err)
	}
	return nil
}

func (s *SQLiteStore) evict(ctx context.Context, tx *sql.Tx) error {
	if s.opts.maxItems <= 0 {
		return nil
	}
	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+itemsTable).Scan(&total); err != nil {
		return fmt.Errorf("failed to count items: %w", err)
	}
	excess := total - s.opts.maxItems
	if excess <= 0 {
		return nil
	}

	oldest := sq.Select("item_id").From(itemsTable).
		OrderBy("processed_timestamp ASC", "item_id ASC").
		Limit(uint64(excess))
	sub, subArgs, err := oldest.ToSql()
	if err != nil {
		return err
	}
	query, args, err := sq.Delete(itemsTable).
		Where(sq.Expr("item_id IN ("+sub+")", subArgs...)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to evict items: %w", err)
	}
	s.opts.logger.Info("Evicted oldest state entries", "backend", backendSQLite, "evicted", excess, "max_items", s.opts.maxItems)
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nonNilCounters(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
