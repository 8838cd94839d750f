package application

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ReasonUnderPenalty = "under penalty"
	ReasonConcurrency  = "max concurrent requests exceeded"
	ReasonFailOpen     = "engine fault, failed open"
)

// Settings é a configuração do motor que pode ser trocada em tempo de execução.
type Settings struct {
	Enabled          bool
	EmitHeaders      bool
	Rules            RuleSet
	WhitelistIPs     []string
	WhitelistClients []string
	// ConcurrencyLease, se > 0, devolve a vaga de concorrência sozinha depois
	// desse tempo, mesmo que o chamador não chame Release.
	ConcurrencyLease time.Duration
}

type compiledSettings struct {
	Settings
	ips     map[string]struct{}
	clients map[string]struct{}
}

func compile(st Settings) (*compiledSettings, error) {
	if err := st.Rules.Validate(); err != nil {
		return nil, err
	}
	c := &compiledSettings{
		Settings: st,
		ips:      make(map[string]struct{}, len(st.WhitelistIPs)),
		clients:  make(map[string]struct{}, len(st.WhitelistClients)),
	}
	for _, ip := range st.WhitelistIPs {
		c.ips[ip] = struct{}{}
	}
	for _, id := range st.WhitelistClients {
		c.clients[id] = struct{}{}
	}
	return c, nil
}

func (c *compiledSettings) bypass(clientID, originAddress string) bool {
	if !c.Enabled {
		return true
	}
	if _, ok := c.ips[originAddress]; ok {
		return true
	}
	if clientID == "" {
		return false
	}
	_, ok := c.clients[clientID]
	return ok
}

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (status), apenas retorna uma decisão.
// Falhas internas durante a checagem liberam a requisição (fail open).
type Service struct {
	store   domain.UsageStore
	gate    domain.ConcurrencyGate
	stats   domain.StatsAggregator
	sink    domain.StatsStore
	windows WindowEvaluator
	clock   domain.Clock
	logger  *zap.Logger
	metrics domain.Metrics

	// faultStack amostra o stack trace; o aviso em si sai em toda falha.
	faultStack rate.Sometimes
	faults     atomic.Uint64

	cur atomic.Pointer[compiledSettings]
}

type Option func(*Service)

func WithClock(c domain.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m domain.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithWindowEvaluator(w WindowEvaluator) Option {
	return func(s *Service) { s.windows = w }
}

// WithStatsSink adiciona um destino extra (ex.: Redis) para os eventos de estatística.
// O sink é chamado no caminho quente: deve ser não bloqueante.
func WithStatsSink(sink domain.StatsStore) Option {
	return func(s *Service) { s.sink = sink }
}

// NewService valida as regras e monta o motor. Sem regra geral retorna
// domain.ErrNoGeneralRule: o chamador não deve aceitar tráfego.
func NewService(st Settings, store domain.UsageStore, gate domain.ConcurrencyGate, stats domain.StatsAggregator, opts ...Option) (*Service, error) {
	if store == nil || gate == nil || stats == nil {
		return nil, fmt.Errorf("application: store, gate and stats are required")
	}
	s := &Service{
		store:      store,
		gate:       gate,
		stats:      stats,
		windows:    FixedWindows{},
		clock:      domain.SystemClock{},
		logger:     zap.NewNop(),
		metrics:    domain.NopMetrics{},
		faultStack: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.SetSettings(st); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSettings troca regras/whitelists de forma atômica. Em erro as
// configurações anteriores continuam valendo.
func (s *Service) SetSettings(st Settings) error {
	c, err := compile(st)
	if err != nil {
		return fmt.Errorf("invalid rate limit settings: %w", err)
	}
	s.cur.Store(c)
	return nil
}

func (s *Service) Settings() Settings {
	return s.cur.Load().Settings
}

// Resolve expõe o resolvedor de regras com as configurações atuais.
func (s *Service) Resolve(endpoint string, tier domain.Tier) (domain.Rule, error) {
	return s.cur.Load().Rules.Resolve(endpoint, tier)
}

func allow() domain.Decision {
	return domain.Decision{Allowed: true, Release: func() {}}
}

// CheckRateLimit decide se a requisição pode seguir. Em caso de permissão,
// o chamador deve chamar RecordRequest quando a requisição de fato prosseguir
// e Decision.Release quando ela terminar.
func (s *Service) CheckRateLimit(clientID, endpoint, originAddress string) (dec domain.Decision) {
	cur := s.cur.Load()
	if cur.bypass(clientID, originAddress) {
		return allow()
	}

	started := time.Now()
	key := domain.ClientKey(clientID, originAddress)
	tier := domain.TierFor(clientID)

	defer func() {
		if r := recover(); r != nil {
			dec = s.failOpen(clientID, key, endpoint, fmt.Errorf("panic during check: %v", r))
		}
	}()

	now := s.clock.Now()
	var (
		resolveErr error
		penalized  bool
	)
	s.store.Update(key, func() domain.ClientUsage {
		return domain.NewClientUsage(clientID, originAddress, now)
	}, func(u *domain.ClientUsage) {
		tier = u.Tier
		var rule domain.Rule
		rule, resolveErr = cur.Rules.Resolve(endpoint, u.Tier)
		if resolveErr != nil {
			return
		}
		dec, penalized = s.evaluate(u, rule, cur, now)
		// sob penalidade as janelas não são avaliadas; a cópia virada evita
		// Reset no passado e Remaining de janela vencida
		snap := *u
		Rollover(&snap, now)
		if cur.EmitHeaders {
			dec.Headers = BuildHeaders(rule, &snap, !dec.Allowed, dec.RetryAfter)
		}
		dec.Usage = &snap
	})
	if resolveErr != nil {
		return s.failOpen(clientID, key, endpoint, resolveErr)
	}

	ev := domain.StatsEvent{
		Key:      key,
		ClientID: statsClient(clientID, key),
		Endpoint: endpoint,
		Allowed:  dec.Allowed,
		Reason:   dec.Reason,
		At:       now,
	}
	s.record(ev)

	if penalized {
		s.metrics.PenaltyApplied(tier)
		s.logger.Info("progressive penalty applied",
			zap.String("client_key", string(key)),
			zap.Int("violations", dec.Usage.ViolationCount),
			zap.Time("penalty_until", dec.Usage.PenaltyUntil))
	}
	if !dec.Allowed {
		s.logger.Debug("request denied",
			zap.String("client_key", string(key)),
			zap.String("endpoint", endpoint),
			zap.String("reason", dec.Reason),
			zap.Duration("retry_after", dec.RetryAfter))
	}
	s.metrics.ObserveDecision(tier, dec.Allowed, dec.Reason, time.Since(started))
	return dec
}

// evaluate roda com o lock da chave segurado.
func (s *Service) evaluate(u *domain.ClientUsage, rule domain.Rule, cur *compiledSettings, now time.Time) (dec domain.Decision, penalized bool) {
	if u.Penalized(now) {
		return domain.Decision{Reason: ReasonUnderPenalty, RetryAfter: u.PenaltyUntil.Sub(now)}, false
	}

	entered := false
	if rule.MaxConcurrentRequests > 0 {
		if !s.gate.TryEnter(u.Key, rule.MaxConcurrentRequests) {
			return domain.Decision{Reason: ReasonConcurrency, RetryAfter: time.Second}, false
		}
		entered = true
		defer func() {
			// negado (ou panic nas janelas): a vaga volta na hora
			if !dec.Allowed {
				s.gate.Leave(u.Key)
			}
		}()
	}

	v := s.windows.Evaluate(u, rule, now)
	if !v.Allowed {
		dec = domain.Decision{Reason: v.Reason, RetryAfter: v.RetryAfter}
		if rule.EnableProgressivePenalties {
			if d := ApplyPenalty(u, rule, now); d > dec.RetryAfter {
				dec.RetryAfter = d
			}
			penalized = true
		}
		return dec, penalized
	}

	u.LastRequestAt = now
	return domain.Decision{Allowed: true, Release: s.releaser(u.Key, entered, cur.ConcurrencyLease)}, false
}

func (s *Service) releaser(key domain.Key, entered bool, lease time.Duration) func() {
	if !entered {
		return func() {}
	}
	var once sync.Once
	release := func() {
		once.Do(func() { s.gate.Leave(key) })
	}
	if lease > 0 {
		time.AfterFunc(lease, release)
	}
	return release
}

// RecordRequest contabiliza uma requisição que passou por CheckRateLimit e
// seguiu adiante. endpoint é aceito por simetria com CheckRateLimit: os
// contadores são por chave, não por endpoint.
func (s *Service) RecordRequest(clientID, endpoint, originAddress string) {
	cur := s.cur.Load()
	if cur.bypass(clientID, originAddress) {
		return
	}
	key := domain.ClientKey(clientID, originAddress)
	defer func() {
		if r := recover(); r != nil {
			s.logFault(key, endpoint, fmt.Errorf("panic during record: %v", r))
		}
	}()

	now := s.clock.Now()
	s.store.Update(key, func() domain.ClientUsage {
		return domain.NewClientUsage(clientID, originAddress, now)
	}, func(u *domain.ClientUsage) {
		Rollover(u, now)
		u.Increment()
		u.LastRequestAt = now
	})
}

// GetRateLimitInfo devolve uma cópia de todos os registros do cliente
// (um por origem). Também aceita a chave completa (ex.: "ip_10.0.0.1").
func (s *Service) GetRateLimitInfo(clientID string) ([]domain.ClientUsage, error) {
	if clientID == "" {
		return nil, domain.ErrInvalidClientID
	}
	var out []domain.ClientUsage
	for _, k := range s.store.Keys() {
		u, ok := s.store.Snapshot(k)
		if ok && ownedBy(u, clientID) {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrClientNotFound, clientID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ResetRateLimit remove todos os registros cuja chave começa com clientID,
// em qualquer origem: contadores, violações e penalidade. "c1" também leva
// "c1_other_*"; "ip_10.0.0.1" zera um cliente anônimo. Retorna quantos
// registros saíram.
func (s *Service) ResetRateLimit(clientID string) (int, error) {
	if clientID == "" {
		return 0, domain.ErrInvalidClientID
	}
	removed := 0
	for _, k := range s.store.Keys() {
		if !strings.HasPrefix(string(k), clientID) {
			continue
		}
		if s.store.RemoveIf(k, func(domain.ClientUsage) bool { return true }) {
			s.gate.Forget(k)
			removed++
		}
	}
	s.logger.Info("rate limit reset",
		zap.String("client_id", clientID),
		zap.Int("records_removed", removed))
	return removed, nil
}

// GetStatistics devolve uma cópia das estatísticas do processo.
func (s *Service) GetStatistics(ctx context.Context) (domain.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return domain.Statistics{}, err
	}
	return s.stats.Snapshot(), nil
}

func (s *Service) record(ev domain.StatsEvent) {
	_ = s.stats.Record(context.Background(), ev)
	if s.sink != nil {
		_ = s.sink.Record(context.Background(), ev)
	}
}

// failOpen libera a requisição e a conta nas estatísticas como permitida.
func (s *Service) failOpen(clientID string, key domain.Key, endpoint string, err error) domain.Decision {
	s.metrics.FailOpen()
	s.logFault(key, endpoint, err)
	s.record(domain.StatsEvent{
		Key:      key,
		ClientID: statsClient(clientID, key),
		Endpoint: endpoint,
		Allowed:  true,
		Reason:   ReasonFailOpen,
		At:       s.clock.Now(),
	})
	return allow()
}

func (s *Service) logFault(key domain.Key, endpoint string, err error) {
	fields := []zap.Field{
		zap.String("client_key", string(key)),
		zap.String("endpoint", endpoint),
		zap.Uint64("faults_total", s.faults.Add(1)),
		zap.Error(err),
	}
	s.faultStack.Do(func() {
		fields = append(fields, zap.Stack("stack"))
	})
	s.logger.Warn("rate limit engine fault, failing open", fields...)
}

// ownedBy casa o registro pelo client id gravado ou pela chave completa.
func ownedBy(u domain.ClientUsage, clientID string) bool {
	return u.ClientID == clientID || u.Key == domain.Key(clientID)
}

func statsClient(clientID string, key domain.Key) string {
	if clientID != "" {
		return clientID
	}
	return string(key)
}
