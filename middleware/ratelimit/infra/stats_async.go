package infra

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AsyncStatsSink desacopla um StatsStore remoto (ex.: Redis) do caminho da
// requisição: Record só enfileira, e um worker grava em segundo plano atrás
// de um circuit breaker. Fila cheia descarta o evento.
type AsyncStatsSink struct {
	next    domain.StatsStore
	queue   chan domain.StatsEvent
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	timeout time.Duration
	errLog  rate.Sometimes

	dropped atomic.Uint64
	failed  atomic.Uint64
}

type AsyncSinkOption func(*AsyncStatsSink)

func WithQueueSize(n int) AsyncSinkOption {
	return func(s *AsyncStatsSink) {
		if n > 0 {
			s.queue = make(chan domain.StatsEvent, n)
		}
	}
}

func WithSinkLogger(l *zap.Logger) AsyncSinkOption {
	return func(s *AsyncStatsSink) { s.logger = l }
}

// WithWriteTimeout limita cada gravação no destino.
func WithWriteTimeout(d time.Duration) AsyncSinkOption {
	return func(s *AsyncStatsSink) { s.timeout = d }
}

func NewAsyncStatsSink(name string, next domain.StatsStore, opts ...AsyncSinkOption) *AsyncStatsSink {
	s := &AsyncStatsSink{
		next:    next,
		queue:   make(chan domain.StatsEvent, 1024),
		logger:  zap.NewNop(),
		timeout: 500 * time.Millisecond,
		errLog:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("stats sink circuit breaker state changed",
				zap.String("circuit", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// Record nunca bloqueia.
func (s *AsyncStatsSink) Record(_ context.Context, ev domain.StatsEvent) error {
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Run consome a fila até ctx ser cancelado; o que ainda estiver enfileirado
// nesse momento é gravado antes de retornar.
func (s *AsyncStatsSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case ev := <-s.queue:
			s.write(ev)
		}
	}
}

func (s *AsyncStatsSink) drain() {
	for {
		select {
		case ev := <-s.queue:
			s.write(ev)
		default:
			return
		}
	}
}

func (s *AsyncStatsSink) write(ev domain.StatsEvent) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return nil, s.next.Record(ctx, ev)
	})
	if err == nil {
		return
	}
	s.failed.Add(1)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return
	}
	s.errLog.Do(func() {
		s.logger.Warn("stats sink write failed", zap.Error(err))
	})
}

func (s *AsyncStatsSink) Dropped() uint64 { return s.dropped.Load() }
func (s *AsyncStatsSink) Failed() uint64  { return s.failed.Load() }
func (s *AsyncStatsSink) Pending() int    { return len(s.queue) }
func (s *AsyncStatsSink) State() gobreaker.State {
	return s.breaker.State()
}
