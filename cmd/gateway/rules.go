package main

import (
	"errors"
	"fmt"
	"io"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/config"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type rulesDoc struct {
	General   *domain.Rule           `yaml:"general"`
	Tiers     map[string]domain.Rule `yaml:"tiers,omitempty"`
	Endpoints map[string]domain.Rule `yaml:"endpoints,omitempty"`
}

type resolvedDoc struct {
	ClientID string      `yaml:"client_id"`
	Tier     domain.Tier `yaml:"tier"`
	Endpoint string      `yaml:"endpoint"`
	Source   string      `yaml:"source"`
	Rule     domain.Rule `yaml:"rule"`
}

func newRulesCmd(f *rootFlags) *cobra.Command {
	var endpoint, client string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the configured rule tables, or the rule resolved for a request",
		Example: `  gateway rules -c configs/gateway.yaml
  gateway rules -c configs/gateway.yaml --client premium_acme --endpoint /api/search`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(f.configFile, nil).Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			rs, err := cfg.RuleSet()
			if err != nil {
				return err
			}
			if endpoint == "" && client == "" {
				return printRules(cmd.OutOrStdout(), rs)
			}
			return printResolved(cmd.OutOrStdout(), rs, client, endpoint)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "request path to resolve")
	cmd.Flags().StringVar(&client, "client", "", "client id to resolve (its prefix selects the tier)")
	return cmd
}

func printRules(w io.Writer, rs application.RuleSet) error {
	doc := rulesDoc{
		General:   rs.General,
		Tiers:     make(map[string]domain.Rule, len(rs.Tiers)),
		Endpoints: rs.Endpoints,
	}
	for t, r := range rs.Tiers {
		doc.Tiers[string(t)] = r
	}
	return encodeYAML(w, doc)
}

func printResolved(w io.Writer, rs application.RuleSet, clientID, endpoint string) error {
	tier := domain.TierFor(clientID)
	rule, err := rs.Resolve(endpoint, tier)
	if err != nil {
		if errors.Is(err, domain.ErrNoGeneralRule) {
			return fmt.Errorf("no rule applies: %w", err)
		}
		return err
	}
	return encodeYAML(w, resolvedDoc{
		ClientID: clientID,
		Tier:     tier,
		Endpoint: endpoint,
		Source:   ruleSource(rs, endpoint, tier),
		Rule:     rule,
	})
}

// ruleSource repete a precedência do Resolve (endpoint > tier > general).
func ruleSource(rs application.RuleSet, endpoint string, tier domain.Tier) string {
	if _, ok := rs.Endpoints[endpoint]; ok {
		return "endpoint"
	}
	if _, ok := rs.Tiers[tier]; ok {
		return "tier"
	}
	return "general"
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
