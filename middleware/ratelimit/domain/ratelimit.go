package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"strings"
	"time"
)

// Key identifica um registro de uso: client id + origem de rede.
type Key string

// ClientKey monta a chave do cliente. O mesmo client id vindo de duas origens
// diferentes vira dois registros independentes.
func ClientKey(clientID, originAddress string) Key {
	if clientID == "" {
		return Key("ip_" + originAddress)
	}
	return Key(clientID + "_" + originAddress)
}

type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// TierFor deriva o tier pela convenção de nome do client id.
func TierFor(clientID string) Tier {
	switch {
	case strings.HasPrefix(clientID, "premium_"):
		return TierPremium
	case strings.HasPrefix(clientID, "standard_"):
		return TierStandard
	default:
		return TierBasic
	}
}

// ParseTier aceita o nome do tier sem diferenciar maiúsculas.
func ParseTier(s string) (Tier, bool) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierBasic, TierStandard, TierPremium:
		return t, true
	}
	return "", false
}

// Window é uma janela de contagem. A ordem das constantes é a ordem de avaliação.
type Window int

const (
	WindowSecond Window = iota
	WindowMinute
	WindowHour
	WindowDay
)

// Windows lista as janelas da mais fina para a mais grossa.
var Windows = [...]Window{WindowSecond, WindowMinute, WindowHour, WindowDay}

func (w Window) String() string {
	switch w {
	case WindowSecond:
		return "second"
	case WindowMinute:
		return "minute"
	case WindowHour:
		return "hour"
	case WindowDay:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Rule é um valor imutável de configuração. Teto 0 significa "sem limite"
// para aquela janela, nunca "sempre negar".
type Rule struct {
	RequestsPerSecond          int     `json:"requests_per_second" yaml:"requests_per_second"`
	RequestsPerMinute          int     `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour            int     `json:"requests_per_hour" yaml:"requests_per_hour"`
	RequestsPerDay             int     `json:"requests_per_day" yaml:"requests_per_day"`
	MaxConcurrentRequests      int     `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	EnableProgressivePenalties bool    `json:"progressive_penalties" yaml:"progressive_penalties"`
	PenaltyMultiplier          float64 `json:"penalty_multiplier" yaml:"penalty_multiplier"`
}

func (r Rule) Limit(w Window) int {
	switch w {
	case WindowSecond:
		return r.RequestsPerSecond
	case WindowMinute:
		return r.RequestsPerMinute
	case WindowHour:
		return r.RequestsPerHour
	case WindowDay:
		return r.RequestsPerDay
	default:
		return 0
	}
}

// ClientUsage é o registro mutável de uso de uma chave. Pertence ao UsageStore
// e só é alterado dentro de UsageStore.Update.
//
// Cada janela tem sua própria âncora; WindowStart é a âncora da janela de minuto.
type ClientUsage struct {
	Key           Key    `json:"key"`
	ClientID      string `json:"client_id"`
	OriginAddress string `json:"origin_address"`
	Tier          Tier   `json:"tier"`

	SecondStart time.Time `json:"second_start"`
	WindowStart time.Time `json:"window_start"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`

	LastRequestAt time.Time `json:"last_request_at"`
	CreatedAt     time.Time `json:"created_at"`

	CountSecond int `json:"count_second"`
	CountMinute int `json:"count_minute"`
	CountHour   int `json:"count_hour"`
	CountDay    int `json:"count_day"`

	ViolationCount int       `json:"violation_count"`
	PenaltyUntil   time.Time `json:"penalty_until,omitempty"`
}

// NewClientUsage cria o registro de uma chave nova. O tier é derivado aqui e
// não muda mais.
func NewClientUsage(clientID, originAddress string, now time.Time) ClientUsage {
	return ClientUsage{
		Key:           ClientKey(clientID, originAddress),
		ClientID:      clientID,
		OriginAddress: originAddress,
		Tier:          TierFor(clientID),
		SecondStart:   now,
		WindowStart:   now,
		HourStart:     now,
		DayStart:      now,
		LastRequestAt: now,
		CreatedAt:     now,
	}
}

func (u *ClientUsage) Count(w Window) int {
	switch w {
	case WindowSecond:
		return u.CountSecond
	case WindowMinute:
		return u.CountMinute
	case WindowHour:
		return u.CountHour
	case WindowDay:
		return u.CountDay
	default:
		return 0
	}
}

func (u *ClientUsage) Anchor(w Window) time.Time {
	switch w {
	case WindowSecond:
		return u.SecondStart
	case WindowMinute:
		return u.WindowStart
	case WindowHour:
		return u.HourStart
	case WindowDay:
		return u.DayStart
	default:
		return time.Time{}
	}
}

// ResetWindow zera o contador da janela e reancora em now.
func (u *ClientUsage) ResetWindow(w Window, now time.Time) {
	switch w {
	case WindowSecond:
		u.CountSecond, u.SecondStart = 0, now
	case WindowMinute:
		u.CountMinute, u.WindowStart = 0, now
	case WindowHour:
		u.CountHour, u.HourStart = 0, now
	case WindowDay:
		u.CountDay, u.DayStart = 0, now
	}
}

// Increment soma uma requisição nas quatro janelas.
func (u *ClientUsage) Increment() {
	u.CountSecond++
	u.CountMinute++
	u.CountHour++
	u.CountDay++
}

// Penalized indica se a chave ainda está sob penalidade em now.
func (u *ClientUsage) Penalized(now time.Time) bool {
	return !u.PenaltyUntil.IsZero() && now.Before(u.PenaltyUntil)
}

type Decision struct {
	Allowed bool
	// Reason explica a negação (vazio quando permitido).
	Reason string
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	// Headers são os cabeçalhos X-RateLimit-* já calculados (nil se desligados).
	Headers map[string]string
	// Usage é uma cópia do registro no momento da decisão, para diagnóstico.
	Usage *ClientUsage
	// Release devolve a vaga de concorrência reservada na checagem.
	// Não é nil quando Allowed; pode ser chamado mais de uma vez.
	Release func()
}

// Clock abstrai o relógio para permitir testes com tempo controlado.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
