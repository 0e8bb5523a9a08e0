package cache

import "hash/fnv"

// ShardCount is the number of shards of a Sharded cache. It is a power of
// two so that shard selection is a mask.
const ShardCount = 16

// Hasher maps a key to the hash used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher is FNV-1a over s.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Uint64Hasher is the identity. Use it for keys that already are hashes.
func Uint64Hasher(u uint64) uint64 { return u }

// Sharded is an LRU cache split into ShardCount independently locked
// shards. Capacity and eviction are per shard.
type Sharded[K comparable, V any] struct {
	shards [ShardCount]*Cache[K, V]
	hasher Hasher[K]
}

// NewSharded creates a sharded cache holding up to perShard entries in
// every shard.
func NewSharded[K comparable, V any](perShard int, hasher Hasher[K], onEvict func(K, V)) *Sharded[K, V] {
	s := &Sharded[K, V]{hasher: hasher}
	for i := range s.shards {
		s.shards[i] = New(perShard, onEvict)
	}
	return s
}

func (s *Sharded[K, V]) shard(key K) *Cache[K, V] {
	return s.shards[s.hasher(key)&(ShardCount-1)]
}

// Get returns the value for key.
func (s *Sharded[K, V]) Get(key K) (V, bool) { return s.shard(key).Get(key) }

// Set stores value under key.
func (s *Sharded[K, V]) Set(key K, value V) { s.shard(key).Set(key, value) }

// GetOrCreate returns the cached value or stores the result of create. Only
// the key's shard is locked while create runs.
func (s *Sharded[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	return s.shard(key).GetOrCreate(key, create)
}

// Delete removes key.
func (s *Sharded[K, V]) Delete(key K) bool { return s.shard(key).Delete(key) }

// Clear empties every shard.
func (s *Sharded[K, V]) Clear() {
	for _, c := range s.shards {
		c.Clear()
	}
}

// Len returns the number of entries over all shards.
func (s *Sharded[K, V]) Len() int {
	n := 0
	for _, c := range s.shards {
		n += c.Len()
	}
	return n
}

// Stats sums the counters of every shard. Capacity is the total.
func (s *Sharded[K, V]) Stats() Stats {
	var out Stats
	for _, c := range s.shards {
		st := c.Stats()
		out.Len += st.Len
		out.Capacity += st.Capacity
		out.Hits += st.Hits
		out.Misses += st.Misses
		out.Evictions += st.Evictions
	}
	return out
}

// DeleteFunc removes every entry for which del returns true.
func (s *Sharded[K, V]) DeleteFunc(del func(K, V) bool) int {
	n := 0
	for _, c := range s.shards {
		n += c.DeleteFunc(del)
	}
	return n
}
