package application

import (
	"testing"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleSet_ResolvePriority(t *testing.T) {
	general := domain.Rule{RequestsPerMinute: 60}
	premium := domain.Rule{RequestsPerMinute: 600}
	endpoint := domain.Rule{RequestsPerSecond: 2}
	rs := RuleSet{
		General:   &general,
		Tiers:     map[domain.Tier]domain.Rule{domain.TierPremium: premium},
		Endpoints: map[string]domain.Rule{"/api/test": endpoint},
	}

	tests := []struct {
		name     string
		endpoint string
		tier     domain.Tier
		want     domain.Rule
	}{
		{"endpoint wins over tier", "/api/test", domain.TierPremium, endpoint},
		{"tier wins over general", "/other", domain.TierPremium, premium},
		{"general as fallback", "/other", domain.TierBasic, general},
		{"no prefix matching on endpoints", "/api/test/1", domain.TierBasic, general},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rs.Resolve(tt.endpoint, tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleSet_ResolveWithoutGeneral(t *testing.T) {
	rs := RuleSet{Tiers: map[domain.Tier]domain.Rule{domain.TierPremium: {RequestsPerMinute: 1}}}

	_, err := rs.Resolve("/x", domain.TierBasic)
	assert.ErrorIs(t, err, domain.ErrNoGeneralRule)

	r, err := rs.Resolve("/x", domain.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, 1, r.RequestsPerMinute)
}

func TestRuleSet_Validate(t *testing.T) {
	ok := domain.Rule{RequestsPerMinute: 10}

	tests := []struct {
		name    string
		rs      RuleSet
		wantErr error
	}{
		{"missing general", RuleSet{}, domain.ErrNoGeneralRule},
		{"valid", RuleSet{General: &ok}, nil},
		{"negative ceiling", RuleSet{General: &domain.Rule{RequestsPerHour: -1}}, domain.ErrInvalidRule},
		{"negative concurrency", RuleSet{General: &ok, Tiers: map[domain.Tier]domain.Rule{
			domain.TierBasic: {MaxConcurrentRequests: -2},
		}}, domain.ErrInvalidRule},
		{"penalty multiplier below one", RuleSet{General: &ok, Endpoints: map[string]domain.Rule{
			"/x": {EnableProgressivePenalties: true, PenaltyMultiplier: 0.5},
		}}, domain.ErrInvalidRule},
		{"multiplier ignored when penalties are off", RuleSet{General: &domain.Rule{PenaltyMultiplier: 0}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rs.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
