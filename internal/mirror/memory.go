package mirror

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryCache is an in-process Cache used for demo deployments and
// tests. Atomic holds one lock for the whole pipeline, mimicking the
// redis MULTI/EXEC guarantee.
type MemoryCache struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string]map[string]float64),
	}
}

// Atomic applies the queued commands under a single lock.
func (c *MemoryCache) Atomic(_ context.Context, fn func(Pipe)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(memPipe{c: c})
	return nil
}

// HGetAll returns a copy of every field of a hash.
func (c *MemoryCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.hashes[key]))
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HGet returns one hash field, reporting presence.
func (c *MemoryCache) HGet(_ context.Context, key, field string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, ok := c.hashes[key][field]
	return val, ok, nil
}

// SMembers returns every member of a set in sorted order.
func (c *MemoryCache) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// ZRangeByScore returns members scored within [min, max], score order.
func (c *MemoryCache) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for m, s := range c.zsets[key] {
		if s >= min && s <= max {
			hits = append(hits, scored{member: m, score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].member < hits[j].member
		}
		return hits[i].score < hits[j].score
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

type memPipe struct {
	c *MemoryCache
}

func (mp memPipe) HSet(key string, fields map[string]string) {
	h := mp.c.hashes[key]
	if h == nil {
		h = make(map[string]string, len(fields))
		mp.c.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (mp memPipe) HDel(key string, fields ...string) {
	h := mp.c.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(mp.c.hashes, key)
	}
}

func (mp memPipe) HIncrByFloat(key, field string, incr float64) {
	h := mp.c.hashes[key]
	if h == nil {
		h = make(map[string]string, 1)
		mp.c.hashes[key] = h
	}
	cur, _ := strconv.ParseFloat(h[field], 64)
	h[field] = strconv.FormatFloat(cur+incr, 'f', -1, 64)
}

func (mp memPipe) SAdd(key string, members ...string) {
	s := mp.c.sets[key]
	if s == nil {
		s = make(map[string]struct{}, len(members))
		mp.c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
}

func (mp memPipe) SRem(key string, members ...string) {
	s := mp.c.sets[key]
	for _, m := range members {
		delete(s, m)
	}
	if len(s) == 0 {
		delete(mp.c.sets, key)
	}
}

func (mp memPipe) ZAdd(key string, score float64, member string) {
	z := mp.c.zsets[key]
	if z == nil {
		z = make(map[string]float64, 1)
		mp.c.zsets[key] = z
	}
	z[member] = score
}

func (mp memPipe) ZRem(key string, members ...string) {
	z := mp.c.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		delete(mp.c.zsets, key)
	}
}

func (mp memPipe) Del(keys ...string) {
	for _, k := range keys {
		delete(mp.c.hashes, k)
		delete(mp.c.sets, k)
		delete(mp.c.zsets, k)
	}
}
