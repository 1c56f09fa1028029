package core

import (
	"hash/fnv"
	"sync"
)

// ShardedMap is a string-keyed map safe for concurrent use. Keys are spread
// over a fixed number of independently locked shards so that operations on
// different keys rarely contend and never all serialize on one lock.
type ShardedMap[V comparable] struct {
	shards []mapShard[V]
}

type mapShard[V comparable] struct {
	mu sync.RWMutex
	m  map[string]V
}

func NewShardedMap[V comparable](nShards int) *ShardedMap[V] {
	if nShards < 1 {
		nShards = 1
	}
	s := &ShardedMap[V]{shards: make([]mapShard[V], nShards)}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

func (s *ShardedMap[V]) shard(key string) *mapShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *ShardedMap[V]) Load(key string) (value V, ok bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	value, ok = sh.m[key]
	return
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores the value produced by create and returns it. The create function
// runs under the shard lock, so exactly one caller creates per key.
func (s *ShardedMap[V]) LoadOrStore(key string, create func() V) (value V, loaded bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if value, loaded = sh.m[key]; loaded {
		return
	}
	value = create()
	sh.m[key] = value
	return
}

func (s *ShardedMap[V]) Store(key string, value V) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.m[key] = value
}

func (s *ShardedMap[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key)
}

// CompareAndDelete removes key only if it is still mapped to old.
func (s *ShardedMap[V]) CompareAndDelete(key string, old V) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.m[key]; ok && cur == old {
		delete(sh.m, key)
		return true
	}
	return false
}

// Range calls f for each entry, one shard at a time. f must not call back
// into the map. Iteration stops when f returns false.
func (s *ShardedMap[V]) Range(f func(key string, value V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			if !f(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Drain removes every entry and returns the removed values.
func (s *ShardedMap[V]) Drain() []V {
	var out []V
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			out = append(out, v)
			delete(sh.m, k)
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *ShardedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
