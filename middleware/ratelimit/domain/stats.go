package domain

import (
	"context"
	"time"
)

// StatsEvent representa o resultado de uma checagem do rate limit.
//
// Observação: cuidado com cardinalidade (ex.: salvar ClientID/Endpoint sem controle
// pode explodir o número de chaves em uma base como Redis).
type StatsEvent struct {
	Key      Key
	ClientID string
	Endpoint string
	Allowed  bool
	Reason   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do rate limit.
//
// Implementações podem armazenar em memória, Redis, etc.
// O motor trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// StatsAggregator é o agregador do processo: além de gravar, devolve uma cópia.
type StatsAggregator interface {
	StatsStore
	Snapshot() Statistics
}

type EndpointStats struct {
	Endpoint string `json:"endpoint"`
	Requests int64  `json:"requests"`
	Blocked  int64  `json:"blocked"`
}

type ClientStats struct {
	ClientID string `json:"client_id"`
	Requests int64  `json:"requests"`
}

// Statistics é uma cópia pontual (não uma visão viva) dos contadores globais.
type Statistics struct {
	TotalRequests     int64           `json:"total_requests"`
	BlockedRequests   int64           `json:"blocked_requests"`
	BlockedPercentage float64         `json:"blocked_percentage"`
	TopEndpoints      []EndpointStats `json:"top_endpoints"`
	TopClients        []ClientStats   `json:"top_clients"`
	GeneratedAt       time.Time       `json:"generated_at"`
}
