package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type windowKey struct {
	key   string
	start int64
}

type counter struct {
	count int
	reset time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[windowKey]*counter
}

// MemoryStore keeps counters in process. Keys are spread over shards so
// unrelated keys rarely contend.
type MemoryStore struct {
	shards [shardCount]*shard
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{counters: make(map[windowKey]*counter)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Increment(_ context.Context, key string, windowStart, reset time.Time) (int, error) {
	sh := s.shardFor(key)
	wk := windowKey{key: key, start: windowStart.UnixMilli()}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.counters[wk]
	if !ok {
		c = &counter{reset: reset}
		sh.counters[wk] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryStore) Count(_ context.Context, key string, windowStart time.Time) (int, error) {
	sh := s.shardFor(key)
	wk := windowKey{key: key, start: windowStart.UnixMilli()}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok := sh.counters[wk]; ok {
		return c.count, nil
	}
	return 0, nil
}

func (s *MemoryStore) Decrement(_ context.Context, key string, windowStart time.Time) error {
	sh := s.shardFor(key)
	wk := windowKey{key: key, start: windowStart.UnixMilli()}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok := sh.counters[wk]; ok && c.count > 0 {
		c.count--
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, c := range sh.counters {
			if c.reset.Before(now) {
				delete(sh.counters, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of live windows.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}
