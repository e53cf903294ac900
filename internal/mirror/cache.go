// Package mirror keeps per-account trading state (open orders, margin,
// holdings) in a sharded cache. The durable store stays authoritative;
// the mirror is an accelerant that must remain reconcilable to it.
package mirror

import "context"

// Pipe queues write commands executed atomically by Cache.Atomic.
type Pipe interface {
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	HIncrByFloat(key, field string, incr float64)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	Del(keys ...string)
}

// Cache is the narrow command surface the mirror needs. The redis
// implementation maps Atomic onto a MULTI/EXEC pipeline; keys sharing a
// partition tag land in one shard, so a single Atomic call never spans
// partitions.
type Cache interface {
	Atomic(ctx context.Context, fn func(Pipe)) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
}
