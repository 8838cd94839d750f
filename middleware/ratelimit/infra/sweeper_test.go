package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	domain.NopMetrics
	mu      sync.Mutex
	evicted int
	tracked int
}

func (m *countingMetrics) Evicted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted += n
}

func (m *countingMetrics) TrackedClients(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = n
}

func seed(s *Store, clientID string, at time.Time, mutate func(u *domain.ClientUsage)) domain.Key {
	key := domain.ClientKey(clientID, "o")
	s.Update(key, func() domain.ClientUsage { return domain.NewClientUsage(clientID, "o", at) }, func(u *domain.ClientUsage) {
		if mutate != nil {
			mutate(u)
		}
	})
	return key
}

func TestSweeper_RemovesOnlyIdleRecords(t *testing.T) {
	clock := newMockClock(t0)
	store := NewStore()
	metrics := &countingMetrics{}
	sw := NewSweeper(store, NewGate(), time.Hour, WithSweeperClock(clock), WithSweeperMetrics(metrics))

	old := seed(store, "old", t0, nil)
	clock.Advance(50 * time.Minute)
	fresh := seed(store, "fresh", clock.Now(), nil)
	clock.Advance(20 * time.Minute)

	removed, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := store.Snapshot(old)
	assert.False(t, ok, "idle record should be evicted")
	_, ok = store.Snapshot(fresh)
	assert.True(t, ok, "recent record should survive")
	assert.Equal(t, 1, metrics.evicted)
	assert.Equal(t, 1, metrics.tracked)
}

func TestSweeper_KeepsIdleRecordsPastRetentionWhilePenaltyActive(t *testing.T) {
	clock := newMockClock(t0)
	store := NewStore()
	sw := NewSweeper(store, NewGate(), time.Hour, WithSweeperClock(clock))

	key := seed(store, "bad", t0, func(u *domain.ClientUsage) {
		u.ViolationCount = 8
		u.PenaltyUntil = t0.Add(256 * time.Minute)
	})

	clock.Advance(2 * time.Hour)
	removed, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	clock.Advance(3 * time.Hour)
	removed, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok := store.Snapshot(key)
	assert.False(t, ok)
}

func TestSweeper_StopsOnCancelledContext(t *testing.T) {
	clock := newMockClock(t0)
	store := NewStore()
	sw := NewSweeper(store, NewGate(), time.Minute, WithSweeperClock(clock))
	seed(store, "a", t0, nil)
	seed(store, "b", t0, nil)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	removed, err := sw.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, removed)
	assert.Equal(t, 2, store.Len())
}

func TestSweeper_SetRetentionAppliesToNextSweep(t *testing.T) {
	clock := newMockClock(t0)
	store := NewStore()
	sw := NewSweeper(store, NewGate(), time.Hour, WithSweeperClock(clock))
	seed(store, "a", t0, nil)
	clock.Advance(10 * time.Minute)

	removed, _ := sw.Sweep(context.Background())
	require.Zero(t, removed)

	sw.SetRetention(5 * time.Minute)
	removed, _ = sw.Sweep(context.Background())
	assert.Equal(t, 1, removed)
}

func TestSweeper_RunReturnsOnCancel(t *testing.T) {
	sw := NewSweeper(NewStore(), NewGate(), time.Hour, WithSweepInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}
