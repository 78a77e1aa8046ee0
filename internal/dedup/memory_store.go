package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 64

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// MemoryStore is a lock-striped in-process Store. Keys on different shards
// never contend.
type MemoryStore struct {
	shards []*shard
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithShards(defaultShards)
}

func NewMemoryStoreWithShards(n int) *MemoryStore {
	if n <= 0 {
		n = 1
	}
	s := &MemoryStore{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]time.Time)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) CheckAndSet(_ context.Context, key string, ts time.Time, window time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Anything not at least one window newer than the stored event, older
	// events included, is a duplicate.
	if last, ok := sh.entries[key]; ok && ts.Sub(last) < window {
		return true, nil
	}
	sh.entries[key] = ts
	return false, nil
}

func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, ts := range sh.entries {
			if ts.Before(cutoff) {
				delete(sh.entries, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n, nil
}
