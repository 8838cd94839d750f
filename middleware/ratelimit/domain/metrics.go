package domain

import "time"

// Metrics recebe os eventos operacionais do motor. Implementações devem ser
// seguras para uso concorrente e nunca bloquear.
type Metrics interface {
	ObserveDecision(tier Tier, allowed bool, reason string, took time.Duration)
	PenaltyApplied(tier Tier)
	FailOpen()
	Evicted(n int)
	TrackedClients(n int)
}

// NopMetrics descarta tudo.
type NopMetrics struct{}

func (NopMetrics) ObserveDecision(Tier, bool, string, time.Duration) {}
func (NopMetrics) PenaltyApplied(Tier)                                {}
func (NopMetrics) FailOpen()                                          {}
func (NopMetrics) Evicted(int)                                        {}
func (NopMetrics) TrackedClients(int)                                 {}
