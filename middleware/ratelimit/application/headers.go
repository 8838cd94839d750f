package application

import (
	"strconv"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	HeaderLimitMinute     = "X-RateLimit-Limit-Minute"
	HeaderLimitHour       = "X-RateLimit-Limit-Hour"
	HeaderLimitDay        = "X-RateLimit-Limit-Day"
	HeaderRemainingMinute = "X-RateLimit-Remaining-Minute"
	HeaderRemainingHour   = "X-RateLimit-Remaining-Hour"
	HeaderRemainingDay    = "X-RateLimit-Remaining-Day"
	HeaderReset           = "X-RateLimit-Reset"
	HeaderClientTier      = "X-RateLimit-Client-Tier"
	HeaderRetryAfter      = "Retry-After"
)

var headerWindows = [...]struct {
	w         domain.Window
	limit     string
	remaining string
}{
	{domain.WindowMinute, HeaderLimitMinute, HeaderRemainingMinute},
	{domain.WindowHour, HeaderLimitHour, HeaderRemainingHour},
	{domain.WindowDay, HeaderLimitDay, HeaderRemainingDay},
}

// BuildHeaders monta os cabeçalhos X-RateLimit-* a partir do registro já
// atualizado. Janelas sem limite (teto 0) não geram Limit/Remaining.
// Retry-After só aparece em negação com dica de espera.
func BuildHeaders(rule domain.Rule, u *domain.ClientUsage, denied bool, retry time.Duration) map[string]string {
	h := make(map[string]string, 9)
	for _, hw := range headerWindows {
		limit := rule.Limit(hw.w)
		if limit <= 0 {
			continue
		}
		remaining := limit - u.Count(hw.w)
		if remaining < 0 {
			remaining = 0
		}
		h[hw.limit] = strconv.Itoa(limit)
		h[hw.remaining] = strconv.Itoa(remaining)
	}
	h[HeaderReset] = strconv.FormatInt(u.WindowStart.Add(time.Minute).Unix(), 10)
	h[HeaderClientTier] = string(u.Tier)
	if denied && retry > 0 {
		h[HeaderRetryAfter] = strconv.FormatInt(RetryAfterSeconds(retry), 10)
	}
	return h
}

// RetryAfterSeconds arredonda para cima: 1.2s vira 2.
func RetryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
