package ringsig

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// KeyImageRegistry is the linearization point spec §4.3 requires: a
// single authority that atomically answers "has this key image already
// spent?" and, on a fresh one, records it. Verify never mutates the
// registry itself; callers register only after a signature has checked
// out, so a concurrent double-spend attempt against the same output is
// caught here rather than by CLSAG's math.
type KeyImageRegistry interface {
	Contains(ctx context.Context, currency models.Currency, keyImage []byte) (bool, error)
	Register(ctx context.Context, currency models.Currency, keyImage []byte) error
}

// RepositoryKeyImageRegistry adapts internal/repository.Repository's
// RegisterKeyImage (backed by MemoryRepository's mutex-guarded map or
// PostgresRepository's primary-key constraint) to the KeyImageRegistry
// contract.
type RepositoryKeyImageRegistry struct {
	repo repository.Repository
}

// NewRepositoryKeyImageRegistry wraps repo as a KeyImageRegistry.
func NewRepositoryKeyImageRegistry(repo repository.Repository) *RepositoryKeyImageRegistry {
	return &RepositoryKeyImageRegistry{repo: repo}
}

// Contains checks registration status without mutating the registry.
func (r *RepositoryKeyImageRegistry) Contains(ctx context.Context, currency models.Currency, keyImage []byte) (bool, error) {
	return r.repo.KeyImageExists(ctx, currency, keyImage)
}

// Register records keyImage as spent for currency, returning
// engineerr.ErrDoubleSpend if it was already registered.
func (r *RepositoryKeyImageRegistry) Register(ctx context.Context, currency models.Currency, keyImage []byte) error {
	return r.repo.RegisterKeyImage(ctx, currency, keyImage)
}

var _ KeyImageRegistry = (*RepositoryKeyImageRegistry)(nil)

// RedisKeyImageRegistry backs the registry with Redis SETNX, giving the
// same at-most-once insert guarantee as a SQL unique constraint but usable
// in front of the repository layer (e.g. as a fast-path check before a
// Postgres round trip) or as a standalone deployment option.
type RedisKeyImageRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyImageRegistry wraps client, namespacing keys under prefix
// (e.g. "mixer:keyimage:").
func NewRedisKeyImageRegistry(client *redis.Client, prefix string) *RedisKeyImageRegistry {
	if prefix == "" {
		prefix = "mixer:keyimage:"
	}
	return &RedisKeyImageRegistry{client: client, prefix: prefix}
}

func (r *RedisKeyImageRegistry) key(currency models.Currency, keyImage []byte) string {
	return fmt.Sprintf("%s%s:%x", r.prefix, currency, keyImage)
}

// Contains reports whether keyImage is already registered, without
// mutating the registry.
func (r *RedisKeyImageRegistry) Contains(ctx context.Context, currency models.Currency, keyImage []byte) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(currency, keyImage)).Result()
	if err != nil {
		return false, engineerr.Wrap(engineerr.AdapterFailure, "redis_exists_failed", "failed to query key image registry", err)
	}
	return n > 0, nil
}

// Register atomically inserts keyImage via SETNX, returning
// engineerr.ErrDoubleSpend if another caller already registered it first.
func (r *RedisKeyImageRegistry) Register(ctx context.Context, currency models.Currency, keyImage []byte) error {
	ok, err := r.client.SetNX(ctx, r.key(currency, keyImage), 1, 0).Result()
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "redis_setnx_failed", "failed to register key image", err)
	}
	if !ok {
		return engineerr.ErrDoubleSpend
	}
	return nil
}

var _ KeyImageRegistry = (*RedisKeyImageRegistry)(nil)
