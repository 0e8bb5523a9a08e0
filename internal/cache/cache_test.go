package cache

import (
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := New(3, func(k string, _ int) { evicted = append(evicted, k) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Get("a")
	c.Set("d", 4)

	if !slices.Equal(evicted, []string{"b"}) {
		t.Errorf("evicted = %v, want [b]", evicted)
	}
	if got := c.Keys(); !slices.Equal(got, []string{"d", "a", "c"}) {
		t.Errorf("Keys() = %v, want [d a c]", got)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should be gone")
	}
}

func TestCacheUnbounded(t *testing.T) {
	c := New[int, int](0, nil)
	for i := range 1000 {
		c.Set(i, i)
	}
	if c.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", c.Len())
	}
}

func TestCacheSetUpdatesInPlace(t *testing.T) {
	c := New[string, int](2, nil)
	c.Set("a", 1)
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 || c.Len() != 1 {
		t.Errorf("Get(a) = %d, Len() = %d", v, c.Len())
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := New[string, int](8, nil)
	boom := errors.New("boom")

	if _, err := c.GetOrCreate("x", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed create must not be cached")
	}

	var calls atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCreate("x", func() (int, error) {
				calls.Add(1)
				return 7, nil
			})
			if err != nil || v != 7 {
				t.Errorf("GetOrCreate = %d, %v", v, err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("create called %d times, want 1", calls.Load())
	}
}

func TestCacheDeleteFunc(t *testing.T) {
	var evicted int
	c := New(0, func(string, int) { evicted++ })
	for i := range 10 {
		c.Set(strconv.Itoa(i), i)
	}
	n := c.DeleteFunc(func(_ string, v int) bool { return v%2 == 0 })
	if n != 5 || c.Len() != 5 || evicted != 5 {
		t.Errorf("removed %d, Len() %d, evicted %d", n, c.Len(), evicted)
	}
	if !c.Delete("1") || c.Delete("1") {
		t.Error("Delete should report presence once")
	}
	c.Clear()
	if c.Len() != 0 || evicted != 10 {
		t.Errorf("after Clear Len() = %d, evicted = %d", c.Len(), evicted)
	}
}

func TestCacheStats(t *testing.T) {
	c := New[int, int](1, nil)
	c.Set(1, 1)
	c.Get(1)
	c.Get(2)
	c.Set(2, 2)

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Evictions != 1 || s.Len != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.HitRate() != 0.5 {
		t.Errorf("HitRate() = %v, want 0.5", s.HitRate())
	}
	if (Stats{}).HitRate() != 0 {
		t.Error("empty HitRate should be 0")
	}
}

func TestShardedConcurrent(t *testing.T) {
	s := NewSharded[uint64, uint64](128, Uint64Hasher, nil)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range uint64(200) {
				key := i*8 + uint64(g)
				if _, err := s.GetOrCreate(key, func() (uint64, error) { return key * 2, nil }); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	if s.Len() != 1600 {
		t.Errorf("Len() = %d, want 1600", s.Len())
	}
	if v, ok := s.Get(42); !ok || v != 84 {
		t.Errorf("Get(42) = %d, %v", v, ok)
	}
	if st := s.Stats(); st.Capacity != 128*ShardCount || st.Misses != 1600 {
		t.Errorf("Stats() = %+v", st)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Error("Clear left entries")
	}
}

func TestShardedEvictsPerShard(t *testing.T) {
	s := NewSharded[uint64, int](1, Uint64Hasher, nil)
	s.Set(0, 0)
	s.Set(ShardCount, 1)
	if _, ok := s.Get(0); ok {
		t.Error("keys in the same shard should evict each other")
	}
	s.Set(1, 2)
	if _, ok := s.Get(ShardCount); !ok {
		t.Error("keys in different shards should not evict each other")
	}
	if !s.Delete(1) {
		t.Error("Delete(1) = false")
	}
	if StringHasher("a") == StringHasher("b") {
		t.Error("StringHasher collision on trivial input")
	}
}
