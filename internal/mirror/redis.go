package mirror

import (
	"context"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisCache adapts a redis client to the Cache interface.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an established redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Atomic executes the queued commands in one MULTI/EXEC pipeline.
func (c *RedisCache) Atomic(ctx context.Context, fn func(Pipe)) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(redisPipe{ctx: ctx, p: p})
		return nil
	})
	return err
}

// HGetAll returns every field of a hash. Missing keys yield an empty map.
func (c *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HGet returns one hash field, reporting presence.
func (c *RedisCache) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SMembers returns every member of a set.
func (c *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// ZRangeByScore returns members scored within [min, max].
func (c *RedisCache) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min, "-inf"),
		Max: formatScore(max, "+inf"),
	}).Result()
}

func formatScore(v float64, inf string) string {
	if math.IsInf(v, -1) || math.IsInf(v, 1) {
		return inf
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (rp redisPipe) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	rp.p.HSet(rp.ctx, key, fields)
}

func (rp redisPipe) HDel(key string, fields ...string) {
	rp.p.HDel(rp.ctx, key, fields...)
}

func (rp redisPipe) HIncrByFloat(key, field string, incr float64) {
	rp.p.HIncrByFloat(rp.ctx, key, field, incr)
}

func (rp redisPipe) SAdd(key string, members ...string) {
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = m
	}
	rp.p.SAdd(rp.ctx, key, ms...)
}

func (rp redisPipe) SRem(key string, members ...string) {
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = m
	}
	rp.p.SRem(rp.ctx, key, ms...)
}

func (rp redisPipe) ZAdd(key string, score float64, member string) {
	rp.p.ZAdd(rp.ctx, key, redis.Z{Score: score, Member: member})
}

func (rp redisPipe) ZRem(key string, members ...string) {
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = m
	}
	rp.p.ZRem(rp.ctx, key, ms...)
}

func (rp redisPipe) Del(keys ...string) {
	rp.p.Del(rp.ctx, keys...)
}
