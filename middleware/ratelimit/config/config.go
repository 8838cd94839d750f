// Package config carrega a configuração do gateway (arquivo YAML opcional +
// variáveis ADMISSION_*) e a converte para application.Settings.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

const defaultPenaltyMultiplier = 2

type Config struct {
	Enabled          bool          `mapstructure:"enabled"`
	Headers          bool          `mapstructure:"headers"`
	Retention        time.Duration `mapstructure:"retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ConcurrencyLease time.Duration `mapstructure:"concurrency_lease"`

	Whitelist WhitelistConfig `mapstructure:"whitelist"`

	// General é obrigatória; nil quando ausente na configuração.
	General   *RuleConfig           `mapstructure:"general"`
	Tiers     map[string]RuleConfig `mapstructure:"tiers"`
	Endpoints []EndpointRuleConfig  `mapstructure:"endpoints"`

	Server ServerConfig `mapstructure:"server"`
	Stats  StatsConfig  `mapstructure:"stats"`
	Log    LogConfig    `mapstructure:"log"`
}

type WhitelistConfig struct {
	IPs     []string `mapstructure:"ips"`
	Clients []string `mapstructure:"clients"`
}

type RuleConfig struct {
	RequestsPerSecond     int     `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	RequestsPerMinute     int     `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour       int     `mapstructure:"requests_per_hour" yaml:"requests_per_hour"`
	RequestsPerDay        int     `mapstructure:"requests_per_day" yaml:"requests_per_day"`
	MaxConcurrentRequests int     `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	ProgressivePenalties  bool    `mapstructure:"progressive_penalties" yaml:"progressive_penalties"`
	PenaltyMultiplier     float64 `mapstructure:"penalty_multiplier" yaml:"penalty_multiplier"`
}

// EndpointRuleConfig vem como lista: chaves de mapa perderiam maiúsculas e
// pontos do path no viper.
type EndpointRuleConfig struct {
	Path       string `mapstructure:"path"`
	RuleConfig `mapstructure:",squash"`
}

type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	AdminListen  string `mapstructure:"admin_listen"`
	UpstreamURL  string `mapstructure:"upstream_url"`
	ClientHeader string `mapstructure:"client_header"`
	TrustXFF     bool   `mapstructure:"trust_xff"`
	AdminToken   string `mapstructure:"admin_token"`
}

type StatsConfig struct {
	Redis RedisStatsConfig `mapstructure:"redis"`
}

type RedisStatsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	Bucket       string        `mapstructure:"bucket"`
	TrackClients bool          `mapstructure:"track_clients"`
	QueueSize    int           `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Rule converte para a regra do domínio. Penalidade ligada sem
// multiplicador usa 2.
func (r RuleConfig) Rule() domain.Rule {
	mult := r.PenaltyMultiplier
	if r.ProgressivePenalties && mult == 0 {
		mult = defaultPenaltyMultiplier
	}
	return domain.Rule{
		RequestsPerSecond:          r.RequestsPerSecond,
		RequestsPerMinute:          r.RequestsPerMinute,
		RequestsPerHour:            r.RequestsPerHour,
		RequestsPerDay:             r.RequestsPerDay,
		MaxConcurrentRequests:      r.MaxConcurrentRequests,
		EnableProgressivePenalties: r.ProgressivePenalties,
		PenaltyMultiplier:          mult,
	}
}

// RuleSet monta as tabelas de regras.
func (c *Config) RuleSet() (application.RuleSet, error) {
	rs := application.RuleSet{
		Tiers:     make(map[domain.Tier]domain.Rule, len(c.Tiers)),
		Endpoints: make(map[string]domain.Rule, len(c.Endpoints)),
	}
	if c.General != nil {
		g := c.General.Rule()
		rs.General = &g
	}
	for name, rc := range c.Tiers {
		tier, ok := domain.ParseTier(name)
		if !ok {
			return application.RuleSet{}, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidRule, name)
		}
		rs.Tiers[tier] = rc.Rule()
	}
	for i, ep := range c.Endpoints {
		path := strings.TrimSpace(ep.Path)
		if path == "" {
			return application.RuleSet{}, fmt.Errorf("%w: endpoints[%d]: path is required", domain.ErrInvalidRule, i)
		}
		if _, dup := rs.Endpoints[path]; dup {
			return application.RuleSet{}, fmt.Errorf("%w: endpoint %q configured twice", domain.ErrInvalidRule, path)
		}
		rs.Endpoints[path] = ep.Rule()
	}
	return rs, rs.Validate()
}

// Settings converte para a configuração do motor, já validada.
func (c *Config) Settings() (application.Settings, error) {
	rs, err := c.RuleSet()
	if err != nil {
		return application.Settings{}, err
	}
	return application.Settings{
		Enabled:          c.Enabled,
		EmitHeaders:      c.Headers,
		Rules:            rs,
		WhitelistIPs:     c.Whitelist.IPs,
		WhitelistClients: c.Whitelist.Clients,
		ConcurrencyLease: c.ConcurrencyLease,
	}, nil
}

// Validate confere o que é necessário para qualquer comando.
func (c *Config) Validate() error {
	if _, err := c.RuleSet(); err != nil {
		return err
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be > 0")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must be >= 0")
	}
	if c.ConcurrencyLease < 0 {
		return fmt.Errorf("concurrency_lease must be >= 0")
	}
	if c.Stats.Redis.Enabled && strings.TrimSpace(c.Stats.Redis.Addr) == "" {
		return fmt.Errorf("stats.redis.addr is required when stats.redis.enabled=true")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// ValidateServe acrescenta o que o modo gateway exige.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.UpstreamURL) == "" {
		return fmt.Errorf("server.upstream_url is required")
	}
	u, err := url.Parse(c.Server.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server.upstream_url %q", c.Server.UpstreamURL)
	}
	return nil
}
