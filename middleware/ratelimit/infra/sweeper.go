package infra

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper remove registros ociosos do UsageStore em intervalo fixo.
//
// Um registro sai quando LastRequestAt é anterior a now-retention. Exceção:
// registros com penalidade ainda ativa ficam até ela vencer, mesmo ociosos
// além da retenção; removê-los apagaria o bloqueio e o histórico de
// violações. Cada chave é removida individualmente, sem travar o store
// inteiro durante a varredura.
type Sweeper struct {
	store     domain.UsageStore
	gate      domain.ConcurrencyGate
	clock     domain.Clock
	metrics   domain.Metrics
	logger    *zap.Logger
	interval  time.Duration
	retention atomic.Int64
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

func WithSweeperClock(c domain.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

func WithSweeperMetrics(m domain.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithSweeperLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func NewSweeper(store domain.UsageStore, gate domain.ConcurrencyGate, retention time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		gate:     gate,
		clock:    domain.SystemClock{},
		metrics:  domain.NopMetrics{},
		logger:   zap.NewNop(),
		interval: 5 * time.Minute,
	}
	s.retention.Store(int64(retention))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRetention troca o tempo de inatividade usado nas próximas varreduras.
func (s *Sweeper) SetRetention(d time.Duration) {
	s.retention.Store(int64(d))
}

func (s *Sweeper) Retention() time.Duration {
	return time.Duration(s.retention.Load())
}

// Sweep faz uma varredura e retorna quantos registros saíram.
// Cancelar ctx interrompe a varredura entre uma chave e outra.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.Retention())
	now := s.clock.Now()

	removed := 0
	idle := func(u domain.ClientUsage) bool {
		return u.LastRequestAt.Before(cutoff) && !u.Penalized(now)
	}
	for _, k := range s.store.Keys() {
		if err := ctx.Err(); err != nil {
			s.report(removed)
			return removed, err
		}
		if s.store.RemoveIf(k, idle) {
			s.gate.Forget(k)
			removed++
		}
	}
	s.report(removed)
	return removed, nil
}

func (s *Sweeper) report(removed int) {
	if removed > 0 {
		s.metrics.Evicted(removed)
	}
	s.metrics.TrackedClients(s.store.Len())
}

// Run agenda Sweep a cada intervalo e bloqueia até ctx ser cancelado.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("sweeper disabled")
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweeper %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.Retention()))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) runOnce(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Debug("sweep interrupted", zap.Int("removed", removed), zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("sweep completed",
			zap.Int("removed", removed),
			zap.Int("tracked", s.store.Len()))
		return
	}
	s.logger.Debug("sweep completed, nothing to remove")
}
