package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// Index is a fast-path candidate source for SelectDistributionSources,
// sitting in front of the repository the way RedisKeyImageRegistry sits in
// front of the key-image table: a cache the pool manager treats as
// best-effort, always falling back to the repository as ground truth.
type Index interface {
	Candidates(ctx context.Context, currency models.Currency) ([]*models.PoolEntry, error)
	Add(ctx context.Context, e *models.PoolEntry) error
	Remove(ctx context.Context, e *models.PoolEntry)
}

// RepositoryIndex is a no-op Index that always defers straight to the
// repository; used when no Redis deployment is configured.
type RepositoryIndex struct {
	repo repository.Repository
}

// NewRepositoryIndex wraps repo as an Index with no caching layer.
func NewRepositoryIndex(repo repository.Repository) *RepositoryIndex {
	return &RepositoryIndex{repo: repo}
}

func (r *RepositoryIndex) Candidates(ctx context.Context, currency models.Currency) ([]*models.PoolEntry, error) {
	return r.repo.ListAvailablePoolEntries(ctx, currency)
}

func (r *RepositoryIndex) Add(context.Context, *models.PoolEntry) error { return nil }
func (r *RepositoryIndex) Remove(context.Context, *models.PoolEntry)    {}

var _ Index = (*RepositoryIndex)(nil)

// RedisIndex maintains one sorted set per currency, scored so that ZRANGE
// (ascending) already yields candidates in the order §4.5 prefers: higher
// priority first, then older entries first. The score packs priority into
// the high bits and the entry's unix-seconds AddedAt into the low bits, so
// a smaller score always means "prefer this one first" regardless of how
// large AddedAt grows.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex wraps client, namespacing sorted sets under prefix
// (e.g. "mixer:pool:").
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "mixer:pool:"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) setKey(currency models.Currency) string {
	return fmt.Sprintf("%s%s", r.prefix, currency)
}

// entryKey stores the entry's own fields, since the sorted set's member
// only gives an ordered ID — Candidates still needs Amount to compute a
// running sum and AddedAt/Priority for a caller that re-sorts.
func (r *RedisIndex) entryKey(id string) string {
	return fmt.Sprintf("%sentry:%s", r.prefix, id)
}

// score packs priority (assumed small and non-negative) into the high
// bits so it dominates ordering, with AddedAt's unix timestamp as the
// tiebreaker. priorityOffset is large enough that no realistic AddedAt
// value overflows into the next priority bucket.
const priorityOffset = 1 << 40

func score(e *models.PoolEntry) float64 {
	return float64(e.Priority)*priorityOffset + float64(e.AddedAt.Unix())
}

// Candidates returns every entry ID this currency's sorted set knows
// about, in preference order. The caller (SelectDistributionSources)
// still re-checks Used against the repository's MarkPoolEntryUsed call,
// so a stale cached ID that was already consumed elsewhere just fails
// that one claim rather than corrupting a selection.
func (r *RedisIndex) Candidates(ctx context.Context, currency models.Currency) ([]*models.PoolEntry, error) {
	ids, err := r.client.ZRange(ctx, r.setKey(currency), 0, -1).Result()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "redis_zrange_failed", "failed to list pool index candidates", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(id)
	}
	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "redis_mget_failed", "failed to hydrate pool index candidates", err)
	}
	out := make([]*models.PoolEntry, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue // member was removed between ZRANGE and MGET; skip it
		}
		var e models.PoolEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// Add indexes e under its currency's sorted set and stores its fields so
// Candidates can hydrate full entries back out.
func (r *RedisIndex) Add(ctx context.Context, e *models.PoolEntry) error {
	encoded, err := json.Marshal(e)
	if err != nil {
		return engineerr.Wrap(engineerr.FatalInternal, "pool_entry_encode_failed", "failed to encode pool entry", err)
	}
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.setKey(e.Currency), &redis.Z{Score: score(e), Member: e.ID})
	pipe.Set(ctx, r.entryKey(e.ID), encoded, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "redis_zadd_failed", "failed to index pool entry", err)
	}
	return nil
}

// Remove drops e from its currency's sorted set once consumed. Errors are
// swallowed: a stale member left behind only costs one wasted
// MarkPoolEntryUsed round trip on the next selection, never correctness.
func (r *RedisIndex) Remove(ctx context.Context, e *models.PoolEntry) {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.setKey(e.Currency), e.ID)
	pipe.Del(ctx, r.entryKey(e.ID))
	pipe.Exec(ctx)
}

var _ Index = (*RedisIndex)(nil)
