package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backendRedis = "redis"

	DefaultRedisPrefix = "harvest:state:"

	txRetryInterval = 20 * time.Millisecond
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each record under "<prefix>item:<id>" and orders them in a
// "<prefix>index" sorted set scored by last_processed in microseconds.
// Writers use optimistic WATCH/MULTI transactions retried until the lock
// timeout elapses.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   options
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, newError("open", backendRedis, errors.New("redis address is required"))
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, newError("open", backendRedis, fmt.Errorf("failed to connect to redis: %w", err))
	}

	return &RedisStore{client: rdb, prefix: cfg.Prefix, opts: newOptions(opts)}, nil
}

func (s *RedisStore) itemKey(id string) string {
	return s.prefix + "item:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func (s *RedisStore) Load(ctx context.Context) (*Container, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, newError("load", backendRedis, fmt.Errorf("failed to read index: %w", err))
	}
	records, err := s.fetch(ctx, s.client, ids)
	if err != nil {
		return nil, newError("load", backendRedis, err)
	}
	c := NewContainer()
	for id, rec := range records {
		c.Items[id] = rec
	}
	return c, nil
}

func (s *RedisStore) Get(ctx context.Context, itemID string) (*Record, error) {
	records, err := s.fetch(ctx, s.client, []string{itemID})
	if err != nil {
		return nil, newError("get", backendRedis, err)
	}
	return records[itemID], nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.itemKey(itemID)).Result()
	if err != nil {
		return false, newError("get", backendRedis, err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, itemID, sourceType, sourceName string, metadata map[string]any) error {
	return s.Update(ctx, map[string]Delta{
		itemID: {SourceType: sourceType, SourceName: sourceName, Metadata: metadata},
	})
}

func (s *RedisStore) Update(ctx context.Context, deltas map[string]Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	if err := validateDeltas(deltas, nil); err != nil {
		return newError("update", backendRedis, err)
	}

	ids := make([]string, 0, len(deltas))
	keys := []string{s.indexKey()}
	for id := range deltas {
		ids = append(ids, id)
		keys = append(keys, s.itemKey(id))
	}

	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.fetch(ctx, tx, ids)
		if err != nil {
			return err
		}

		now := s.opts.nowUTC()
		merged := make(map[string]*Record, len(deltas))
		added := 0
		for id, d := range deltas {
			if existing[id] == nil {
				added++
			}
			merged[id] = mergeDelta(existing[id], id, d, now)
		}

		victims, err := s.victims(ctx, tx, deltas, added)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, rec := range merged {
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("failed to encode item %q: %w", id, err)
				}
				pipe.Set(ctx, s.itemKey(id), data, 0)
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(rec.LastProcessed), Member: id})
			}
			s.remove(ctx, pipe, victims)
			return nil
		})
		if err != nil {
			return err
		}
		if len(victims) > 0 {
			s.opts.logger.Info("Evicted oldest state entries", "backend", backendRedis, "evicted", len(victims), "max_items", s.opts.maxItems)
		}
		return nil
	}, keys...)
	if err != nil {
		return newError("update", backendRedis, err)
	}
	return nil
}

// victims picks the oldest index members to drop so that the store holds at
// most maxItems once added new items land. Items being updated are skipped.
func (s *RedisStore) victims(ctx context.Context, tx *redis.Tx, deltas map[string]Delta, added int) ([]string, error) {
	if s.opts.maxItems <= 0 {
		return nil, nil
	}
	card, err := tx.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	excess := int(card) + added - s.opts.maxItems
	if excess <= 0 {
		return nil, nil
	}

	candidates, err := tx.ZRange(ctx, s.indexKey(), 0, int64(excess+len(deltas)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read eviction candidates: %w", err)
	}
	victims := make([]string, 0, excess)
	for _, id := range candidates {
		if _, updating := deltas[id]; updating {
			continue
		}
		victims = append(victims, id)
		if len(victims) == excess {
			break
		}
	}
	return victims, nil
}

func (s *RedisStore) CleanupOlderThan(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, newError("cleanup", backendRedis, ErrNegativeRetention)
	}
	removed := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		cutoff := retentionCutoff(s.opts.nowUTC(), retentionDays)
		ids, err := tx.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatFloat(score(cutoff), 'f', -1, 64),
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to read expired items: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.remove(ctx, pipe, ids)
			return nil
		})
		if err != nil {
			return err
		}
		removed = len(ids)
		return nil
	}, s.indexKey())
	if err != nil {
		return 0, newError("cleanup", backendRedis, err)
	}
	return removed, nil
}

func (s *RedisStore) List(ctx context.Context, q Query) ([]Record, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return listRecords(c.Items, q), nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	c, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return statsFor(c.Items), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// watch runs fn in an optimistic transaction over keys, retrying on
// conflicts until the lock timeout elapses.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	deadline := time.Now().Add(s.opts.lockTimeout)
	for {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %s of conflicting writes", ErrLockTimeout, s.opts.lockTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(txRetryInterval, remaining)):
		}
	}
}

func (s *RedisStore) remove(ctx context.Context, pipe redis.Pipeliner, ids []string) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
		members[i] = id
	}
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.indexKey(), members...)
}

type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (s *RedisStore) fetch(ctx context.Context, c multiGetter, ids []string) (map[string]*Record, error) {
	records := make(map[string]*Record, len(ids))
	if len(ids) == 0 {
		return records, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}

	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord(json.RawMessage(raw))
		if err != nil {
			s.opts.logger.Warn("Dropping malformed state entry", "backend", backendRedis, "item_id", ids[i], "error", err)
			continue
		}
		rec.ItemID = ids[i]
		records[ids[i]] = rec
	}
	return records, nil
}
