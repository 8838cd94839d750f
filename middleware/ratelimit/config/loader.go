package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix é o prefixo das variáveis de ambiente (ADMISSION_SERVER_LISTEN, ...).
const EnvPrefix = "ADMISSION"

var ruleFields = []string{
	"requests_per_second",
	"requests_per_minute",
	"requests_per_hour",
	"requests_per_day",
	"max_concurrent_requests",
	"progressive_penalties",
	"penalty_multiplier",
}

// Loader lê a configuração via viper e, opcionalmente, observa o arquivo.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger
}

// NewLoader cria um loader. path vazio significa só defaults + ambiente.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// general não tem default (a ausência precisa ser detectável), então
	// as variáveis dela são ligadas explicitamente.
	for _, f := range ruleFields {
		_ = v.BindEnv("general."+f, EnvPrefix+"_GENERAL_"+strings.ToUpper(f))
	}

	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path, logger: logger}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("headers", true)
	v.SetDefault("retention", "1h")
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("concurrency_lease", "0s")

	v.SetDefault("whitelist.ips", []string{})
	v.SetDefault("whitelist.clients", []string{})

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.admin_listen", ":9090")
	v.SetDefault("server.upstream_url", "")
	v.SetDefault("server.client_header", "X-Api-Key")
	v.SetDefault("server.trust_xff", false)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("stats.redis.enabled", false)
	v.SetDefault("stats.redis.addr", "")
	v.SetDefault("stats.redis.password", "")
	v.SetDefault("stats.redis.db", 0)
	v.SetDefault("stats.redis.prefix", "ratelimit:stats")
	v.SetDefault("stats.redis.ttl", "24h")
	v.SetDefault("stats.redis.bucket", "minute")
	v.SetDefault("stats.redis.track_clients", false)
	v.SetDefault("stats.redis.queue_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load lê arquivo + ambiente e valida.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file not found: %w", err)
			}
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	err := l.v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToFloat64HookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// "general: {}" não gera chaves no viper, mas é uma regra geral válida (sem limites)
	if cfg.General == nil && l.v.IsSet("general") {
		cfg.General = &RuleConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetLogger troca o logger usado pelo Watch (o logger final só existe depois do Load).
func (l *Loader) SetLogger(logger *zap.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// ConfigFileUsed devolve o arquivo lido (vazio sem arquivo).
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch chama onChange a cada alteração válida do arquivo. Alterações
// inválidas são registradas e ignoradas. Sem arquivo não há o que observar.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("config reload rejected, keeping previous settings",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		l.logger.Info("config reloaded",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()))
		onChange(cfg)
	})
	l.v.WatchConfig()
}
