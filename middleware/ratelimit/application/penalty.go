package application

import (
	"math"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// ApplyPenalty registra mais uma violação e bloqueia a chave por
// PenaltyMultiplier^ViolationCount minutos. Não há teto: o multiplicador
// deve ser escolhido com cuidado.
func ApplyPenalty(u *domain.ClientUsage, rule domain.Rule, now time.Time) time.Duration {
	u.ViolationCount++
	d := PenaltyDuration(rule.PenaltyMultiplier, u.ViolationCount)
	u.PenaltyUntil = now.Add(d)
	return d
}

// PenaltyDuration calcula multiplier^violations minutos, saturando no maior
// time.Duration representável.
func PenaltyDuration(multiplier float64, violations int) time.Duration {
	minutes := math.Pow(multiplier, float64(violations))
	if math.IsNaN(minutes) || minutes <= 0 {
		return 0
	}
	ns := minutes * float64(time.Minute)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
