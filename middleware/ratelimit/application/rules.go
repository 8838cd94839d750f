package application

import (
	"fmt"

	"admission-gateway/middleware/ratelimit/domain"
)

// RuleSet são as três tabelas de regras, consultadas nesta ordem:
// endpoint exato, tier exato, regra geral.
type RuleSet struct {
	General   *domain.Rule
	Tiers     map[domain.Tier]domain.Rule
	Endpoints map[string]domain.Rule
}

// Validate falha com domain.ErrNoGeneralRule quando não há regra geral.
func (rs RuleSet) Validate() error {
	if rs.General == nil {
		return domain.ErrNoGeneralRule
	}
	if err := validateRule("general", *rs.General); err != nil {
		return err
	}
	for tier, r := range rs.Tiers {
		if err := validateRule("tier "+string(tier), r); err != nil {
			return err
		}
	}
	for ep, r := range rs.Endpoints {
		if err := validateRule("endpoint "+ep, r); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(name string, r domain.Rule) error {
	for _, w := range domain.Windows {
		if r.Limit(w) < 0 {
			return fmt.Errorf("%w: %s: requests per %s must be >= 0", domain.ErrInvalidRule, name, w)
		}
	}
	if r.MaxConcurrentRequests < 0 {
		return fmt.Errorf("%w: %s: max concurrent requests must be >= 0", domain.ErrInvalidRule, name)
	}
	if r.EnableProgressivePenalties && r.PenaltyMultiplier < 1 {
		return fmt.Errorf("%w: %s: penalty multiplier must be >= 1 when progressive penalties are enabled", domain.ErrInvalidRule, name)
	}
	return nil
}

// Resolve devolve a regra aplicável. Sem wildcard: só chave exata.
func (rs RuleSet) Resolve(endpoint string, tier domain.Tier) (domain.Rule, error) {
	if r, ok := rs.Endpoints[endpoint]; ok {
		return r, nil
	}
	if r, ok := rs.Tiers[tier]; ok {
		return r, nil
	}
	if rs.General == nil {
		return domain.Rule{}, domain.ErrNoGeneralRule
	}
	return *rs.General, nil
}
