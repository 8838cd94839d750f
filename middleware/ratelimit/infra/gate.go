package infra

import (
	"sync"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
)

// Gate implementa domain.ConcurrencyGate com um contador por chave.
//
// O contador sai do mapa quando volta a zero, então chaves ociosas não
// ocupam memória.
type Gate struct {
	shards []*gateShard
}

type gateShard struct {
	mu       sync.Mutex
	inFlight map[domain.Key]int
}

func NewGate() *Gate {
	g := &Gate{shards: make([]*gateShard, defaultShards)}
	for i := range g.shards {
		g.shards[i] = &gateShard{inFlight: make(map[domain.Key]int)}
	}
	return g
}

func (g *Gate) shard(key domain.Key) *gateShard {
	return g.shards[xxhash.Sum64String(string(key))%uint64(len(g.shards))]
}

// TryEnter reserva uma vaga se houver menos de ceiling em voo.
// ceiling <= 0 significa sem limite.
func (g *Gate) TryEnter(key domain.Key, ceiling int) bool {
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := sh.inFlight[key]
	if ceiling > 0 && n >= ceiling {
		return false
	}
	sh.inFlight[key] = n + 1
	return true
}

func (g *Gate) Leave(key domain.Key) {
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, ok := sh.inFlight[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(sh.inFlight, key)
		return
	}
	sh.inFlight[key] = n - 1
}

func (g *Gate) InFlight(key domain.Key) int {
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.inFlight[key]
}

// Forget não mexe em vagas em uso: elas voltam via Leave e a chave some
// sozinha ao chegar em zero.
func (g *Gate) Forget(key domain.Key) {
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.inFlight[key] <= 0 {
		delete(sh.inFlight, key)
	}
}
