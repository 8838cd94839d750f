package application

import (
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// WindowVerdict é o resultado da avaliação das janelas de contagem.
type WindowVerdict struct {
	Allowed    bool
	Window     domain.Window
	Reason     string
	RetryAfter time.Duration
}

// WindowEvaluator faz a virada das janelas vencidas e confere os tetos.
// É chamado com o lock da chave segurado.
type WindowEvaluator interface {
	Evaluate(u *domain.ClientUsage, rule domain.Rule, now time.Time) WindowVerdict
}

// FixedWindows avalia quatro janelas fixas, cada uma com sua própria âncora,
// na ordem segundo → minuto → hora → dia. A primeira violação encerra.
type FixedWindows struct{}

func (FixedWindows) Evaluate(u *domain.ClientUsage, rule domain.Rule, now time.Time) WindowVerdict {
	Rollover(u, now)

	for _, w := range domain.Windows {
		limit := rule.Limit(w)
		if limit <= 0 {
			continue
		}
		if u.Count(w) >= limit {
			return WindowVerdict{
				Window:     w,
				Reason:     WindowReason(w),
				RetryAfter: retryAfter(u, w, now),
			}
		}
	}
	return WindowVerdict{Allowed: true}
}

// Rollover zera as janelas cuja âncora já passou da duração da janela.
// Relógio que anda para trás não zera nada: a janela segue até now
// alcançar âncora + duração.
func Rollover(u *domain.ClientUsage, now time.Time) {
	for _, w := range domain.Windows {
		anchor := u.Anchor(w)
		if now.Sub(anchor) >= w.Duration() {
			u.ResetWindow(w, now)
		}
	}
}

// WindowReason é o motivo devolvido quando a janela w estoura.
func WindowReason(w domain.Window) string {
	return fmt.Sprintf("requests per %s limit exceeded", w)
}

func retryAfter(u *domain.ClientUsage, w domain.Window, now time.Time) time.Duration {
	if w == domain.WindowSecond {
		return time.Second
	}
	d := u.Anchor(w).Add(w.Duration()).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
