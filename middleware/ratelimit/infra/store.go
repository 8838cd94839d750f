package infra

import (
	"sync"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// Store é o UsageStore em memória, particionado em shards por hash da chave.
//
// Cada registro tem seu próprio mutex: Update segura só a chave envolvida,
// então chaves diferentes não competem entre si. Ordem de lock: entrada,
// depois shard.
type Store struct {
	shards []*storeShard
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[domain.Key]*storeEntry
}

type storeEntry struct {
	mu      sync.Mutex
	usage   domain.ClientUsage
	removed bool
}

type StoreOption func(*Store)

// WithShards define o número de partições (mínimo 1).
func WithShards(n int) StoreOption {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.shards = make([]*storeShard, n)
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{shards: make([]*storeShard, defaultShards)}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[domain.Key]*storeEntry)}
	}
	return s
}

func (s *Store) shard(key domain.Key) *storeShard {
	return s.shards[xxhash.Sum64String(string(key))%uint64(len(s.shards))]
}

func (s *Store) getOrCreate(key domain.Key, create func() domain.ClientUsage) *storeEntry {
	sh := s.shard(key)

	sh.mu.RLock()
	ent, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		return ent
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ent, ok := sh.entries[key]; ok {
		return ent
	}
	ent = &storeEntry{usage: create()}
	sh.entries[key] = ent
	return ent
}

// Update implementa domain.UsageStore.
func (s *Store) Update(key domain.Key, create func() domain.ClientUsage, fn func(u *domain.ClientUsage)) {
	for {
		ent := s.getOrCreate(key, create)
		if s.apply(ent, fn) {
			return
		}
		// entrada removida entre o lookup e o lock: recria
	}
}

func (s *Store) apply(ent *storeEntry, fn func(u *domain.ClientUsage)) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.removed {
		return false
	}
	fn(&ent.usage)
	return true
}

func (s *Store) lookup(key domain.Key) (*storeEntry, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ent, ok := sh.entries[key]
	return ent, ok
}

func (s *Store) Snapshot(key domain.Key) (domain.ClientUsage, bool) {
	ent, ok := s.lookup(key)
	if !ok {
		return domain.ClientUsage{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.removed {
		return domain.ClientUsage{}, false
	}
	return ent.usage, true
}

func (s *Store) Remove(key domain.Key) bool {
	return s.RemoveIf(key, func(domain.ClientUsage) bool { return true })
}

func (s *Store) RemoveIf(key domain.Key, pred func(u domain.ClientUsage) bool) bool {
	ent, ok := s.lookup(key)
	if !ok {
		return false
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.removed || !pred(ent.usage) {
		return false
	}
	ent.removed = true

	sh := s.shard(key)
	sh.mu.Lock()
	if sh.entries[key] == ent {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
	return true
}

func (s *Store) Keys() []domain.Key {
	out := make([]domain.Key, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
