package application

import (
	"math"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
)

func TestFixedWindows_ZeroCeilingNeverDenies(t *testing.T) {
	u := domain.NewClientUsage("c", "o", t0)
	u.CountSecond, u.CountMinute, u.CountHour, u.CountDay = 1e6, 1e6, 1e6, 1e6

	v := FixedWindows{}.Evaluate(&u, domain.Rule{}, t0)
	assert.True(t, v.Allowed)
}

func TestFixedWindows_FirstViolatedWindowWins(t *testing.T) {
	u := domain.NewClientUsage("c", "o", t0)
	u.CountSecond, u.CountMinute = 5, 5
	rule := domain.Rule{RequestsPerSecond: 5, RequestsPerMinute: 5}

	v := FixedWindows{}.Evaluate(&u, rule, t0)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.WindowSecond, v.Window)
	assert.Equal(t, "requests per second limit exceeded", v.Reason)
	assert.Equal(t, time.Second, v.RetryAfter)
}

func TestFixedWindows_RetryAfterPointsAtWindowEnd(t *testing.T) {
	u := domain.NewClientUsage("c", "o", t0)
	u.CountHour = 3
	now := t0.Add(20 * time.Minute)

	v := FixedWindows{}.Evaluate(&u, domain.Rule{RequestsPerHour: 3}, now)
	assert.False(t, v.Allowed)
	assert.Equal(t, "requests per hour limit exceeded", v.Reason)
	assert.Equal(t, 40*time.Minute, v.RetryAfter)
}

func TestRollover_ResetsOnlyExpiredWindows(t *testing.T) {
	u := domain.NewClientUsage("c", "o", t0)
	u.Increment()
	u.Increment()

	now := t0.Add(90 * time.Second)
	Rollover(&u, now)

	assert.Equal(t, 0, u.CountSecond)
	assert.Equal(t, 0, u.CountMinute)
	assert.Equal(t, now, u.WindowStart)
	assert.Equal(t, 2, u.CountHour)
	assert.Equal(t, 2, u.CountDay)
	assert.Equal(t, t0, u.HourStart)
}

func TestRollover_ClockGoingBackwardsKeepsCounters(t *testing.T) {
	u := domain.NewClientUsage("c", "o", t0)
	u.Increment()

	Rollover(&u, t0.Add(-time.Hour))
	assert.Equal(t, 1, u.CountSecond)
	assert.Equal(t, 1, u.CountMinute)
	assert.Equal(t, 1, u.CountDay)
	assert.Equal(t, t0, u.WindowStart)
	assert.Equal(t, t0, u.DayStart)
}

func TestFixedWindows_ClockGoingBackwardsStillDenies(t *testing.T) {
	rule := domain.Rule{RequestsPerDay: 1}
	u := domain.NewClientUsage("c", "o", t0)
	u.Increment()

	v := FixedWindows{}.Evaluate(&u, rule, t0.Add(-time.Minute))
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.WindowDay, v.Window)
}

func TestPenaltyDuration(t *testing.T) {
	tests := []struct {
		multiplier float64
		violations int
		want       time.Duration
	}{
		{2, 1, 2 * time.Minute},
		{2, 2, 4 * time.Minute},
		{2, 3, 8 * time.Minute},
		{3, 2, 9 * time.Minute},
		{1, 50, time.Minute},
		{2, 200, time.Duration(math.MaxInt64)},
		{0, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PenaltyDuration(tt.multiplier, tt.violations), "multiplier=%v violations=%d", tt.multiplier, tt.violations)
	}
}

func TestApplyPenalty_SaturatesWithoutOverflow(t *testing.T) {
	u := domain.NewClientUsage("c", "o", t0)
	u.ViolationCount = 500

	d := ApplyPenalty(&u, domain.Rule{EnableProgressivePenalties: true, PenaltyMultiplier: 2}, t0)
	assert.Equal(t, time.Duration(math.MaxInt64), d)
	assert.Equal(t, 501, u.ViolationCount)
	assert.True(t, u.PenaltyUntil.After(t0))
	assert.True(t, u.Penalized(t0.Add(100*365*24*time.Hour)))
}

func TestBuildHeaders(t *testing.T) {
	u := domain.NewClientUsage("premium_acme", "o", t0)
	u.CountMinute, u.CountHour = 3, 12

	h := BuildHeaders(domain.Rule{RequestsPerMinute: 10, RequestsPerHour: 10}, &u, true, 1500*time.Millisecond)

	assert.Equal(t, "10", h[HeaderLimitMinute])
	assert.Equal(t, "7", h[HeaderRemainingMinute])
	assert.Equal(t, "10", h[HeaderLimitHour])
	assert.Equal(t, "0", h[HeaderRemainingHour], "remaining never goes negative")
	assert.NotContains(t, h, HeaderLimitDay)
	assert.NotContains(t, h, HeaderRemainingDay)
	assert.Equal(t, "1772366460", h[HeaderReset])
	assert.Equal(t, "premium", h[HeaderClientTier])
	assert.Equal(t, "2", h[HeaderRetryAfter])

	allowed := BuildHeaders(domain.Rule{}, &u, false, 0)
	assert.NotContains(t, allowed, HeaderRetryAfter)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(0), RetryAfterSeconds(0))
	assert.Equal(t, int64(1), RetryAfterSeconds(time.Millisecond))
	assert.Equal(t, int64(1), RetryAfterSeconds(time.Second))
	assert.Equal(t, int64(61), RetryAfterSeconds(60*time.Second+time.Nanosecond))
}
