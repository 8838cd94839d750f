package infra

import (
	"context"
	"sort"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const defaultTopN = 10

type Counters struct {
	Requests int64
	Blocked  int64
}

// MemoryStatsStore é o agregador de estatísticas do processo.
//
// Tem mutex próprio, separado do store de uso, e nunca expira nada: os
// contadores vivem enquanto o processo viver.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byEndpoint map[string]Counters
	byClient   map[string]int64

	topN int
	now  func() time.Time
}

type MemoryStatsOption func(*MemoryStatsStore)

// WithTopN muda o tamanho das listas de top endpoints/clientes (padrão 10).
func WithTopN(n int) MemoryStatsOption {
	return func(s *MemoryStatsStore) {
		if n > 0 {
			s.topN = n
		}
	}
}

func WithStatsClock(c domain.Clock) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.now = c.Now }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byEndpoint: make(map[string]Counters),
		byClient:   make(map[string]int64),
		topN:       defaultTopN,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	client := ev.ClientID
	if client == "" {
		client = string(ev.Key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.Requests++
	c := s.byEndpoint[ev.Endpoint]
	c.Requests++
	if !ev.Allowed {
		s.total.Blocked++
		c.Blocked++
	}
	s.byEndpoint[ev.Endpoint] = c
	s.byClient[client]++
	return nil
}

// Snapshot implementa domain.StatsAggregator.
func (s *MemoryStatsStore) Snapshot() domain.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := domain.Statistics{
		TotalRequests:   s.total.Requests,
		BlockedRequests: s.total.Blocked,
		TopEndpoints:    make([]domain.EndpointStats, 0, min(len(s.byEndpoint), s.topN)),
		TopClients:      make([]domain.ClientStats, 0, min(len(s.byClient), s.topN)),
		GeneratedAt:     s.now(),
	}
	if s.total.Requests > 0 {
		st.BlockedPercentage = float64(s.total.Blocked) / float64(s.total.Requests) * 100
	}

	for ep, c := range s.byEndpoint {
		st.TopEndpoints = append(st.TopEndpoints, domain.EndpointStats{Endpoint: ep, Requests: c.Requests, Blocked: c.Blocked})
	}
	// empate desempatado pelo nome para a saída ser estável
	sort.Slice(st.TopEndpoints, func(i, j int) bool {
		a, b := st.TopEndpoints[i], st.TopEndpoints[j]
		if a.Requests != b.Requests {
			return a.Requests > b.Requests
		}
		return a.Endpoint < b.Endpoint
	})
	if len(st.TopEndpoints) > s.topN {
		st.TopEndpoints = st.TopEndpoints[:s.topN]
	}

	for id, n := range s.byClient {
		st.TopClients = append(st.TopClients, domain.ClientStats{ClientID: id, Requests: n})
	}
	sort.Slice(st.TopClients, func(i, j int) bool {
		a, b := st.TopClients[i], st.TopClients[j]
		if a.Requests != b.Requests {
			return a.Requests > b.Requests
		}
		return a.ClientID < b.ClientID
	})
	if len(st.TopClients) > s.topN {
		st.TopClients = st.TopClients[:s.topN]
	}
	return st
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByEndpoint() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byEndpoint))
	for k, v := range s.byEndpoint {
		out[k] = v
	}
	return out
}
