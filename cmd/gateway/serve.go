package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/admin"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/config"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission-control reverse proxy and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, f)
		},
	}
}

func serve(ctx context.Context, f *rootFlags) error {
	loader := config.NewLoader(f.configFile, nil)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	loader.SetLogger(logger.Named("config"))

	target, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid server.upstream_url: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := infra.NewPrometheusMetrics(reg)

	store := infra.NewStore()
	gate := infra.NewGate()
	stats := infra.NewMemoryStatsStore()

	engineOpts := []application.Option{
		application.WithLogger(logger.Named("engine")),
		application.WithMetrics(metrics),
	}

	var sink *infra.AsyncStatsSink
	if rc := cfg.Stats.Redis; rc.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancelPing()
		if err != nil {
			return fmt.Errorf("redis stats ping error: %w", err)
		}

		sink = infra.NewAsyncStatsSink("redis-stats",
			infra.NewRedisStatsStore(
				rdb,
				infra.WithStatsPrefix(rc.Prefix),
				infra.WithStatsTTL(rc.TTL),
				infra.WithStatsBucket(rc.Bucket),
				infra.WithStatsTrackClients(rc.TrackClients),
			),
			infra.WithQueueSize(rc.QueueSize),
			infra.WithSinkLogger(logger.Named("stats")),
		)
		metrics.WatchSink(sink)
		engineOpts = append(engineOpts, application.WithStatsSink(sink))
	}

	settings, err := cfg.Settings()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	svc, err := application.NewService(settings, store, gate, stats, engineOpts...)
	if err != nil {
		return err
	}

	sweeper := infra.NewSweeper(store, gate, cfg.Retention,
		infra.WithSweepInterval(cfg.SweepInterval),
		infra.WithSweeperMetrics(metrics),
		infra.WithSweeperLogger(logger.Named("sweeper")),
	)

	loader.Watch(ctx, newReloader(svc, sweeper, cfg, logger))

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxyLog := logger.Named("proxy")
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		proxyLog.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := ratelimit.Middleware(ratelimit.Options{
		Engine:             svc,
		ClientHeader:       cfg.Server.ClientHeader,
		TrustXForwardedFor: cfg.Server.TrustXFF,
		Logger:             logger.Named("http"),
	})(proxy)

	servers := []*http.Server{{
		Addr:              cfg.Server.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}}
	if cfg.Server.AdminListen != "" {
		servers = append(servers, &http.Server{
			Addr: cfg.Server.AdminListen,
			Handler: admin.NewRouter(admin.Options{
				Engine:   svc,
				Token:    cfg.Server.AdminToken,
				Gatherer: reg,
				Logger:   logger.Named("admin"),
			}),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		})
		if cfg.Server.AdminToken == "" {
			logger.Warn("admin API has no token, do not expose it publicly", zap.String("addr", cfg.Server.AdminListen))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if sink != nil {
		g.Go(func() error { return sink.Run(gctx) })
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.Server.Listen),
		zap.String("upstream", target.String()),
		zap.String("admin_addr", cfg.Server.AdminListen),
		zap.String("config_file", loader.ConfigFileUsed()))
	logger.Info("admission",
		zap.Bool("enabled", cfg.Enabled),
		zap.Bool("headers", cfg.Headers),
		zap.String("client_header", cfg.Server.ClientHeader),
		zap.Bool("trust_xff", cfg.Server.TrustXFF),
		zap.Int("tiers", len(settings.Rules.Tiers)),
		zap.Int("endpoints", len(settings.Rules.Endpoints)),
		zap.Duration("retention", cfg.Retention),
		zap.Duration("sweep_interval", cfg.SweepInterval))
	logger.Info("stats",
		zap.Bool("redis", cfg.Stats.Redis.Enabled),
		zap.String("redis_addr", cfg.Stats.Redis.Addr),
		zap.String("bucket", cfg.Stats.Redis.Bucket),
		zap.Bool("track_clients", cfg.Stats.Redis.TrackClients))

	return g.Wait()
}

// newReloader aplica uma configuração recarregada. A comparação das partes
// que exigem restart é feita contra a última configuração aplicada.
func newReloader(svc *application.Service, sweeper *infra.Sweeper, initial *config.Config, logger *zap.Logger) func(*config.Config) {
	applied := *initial
	return func(next *config.Config) {
		st, err := next.Settings()
		if err == nil {
			err = svc.SetSettings(st)
		}
		if err != nil {
			logger.Warn("config reload rejected, keeping previous settings", zap.Error(err))
			return
		}
		sweeper.SetRetention(next.Retention)
		if next.Server != applied.Server || next.Stats != applied.Stats || next.Log != applied.Log {
			logger.Warn("server, stats and log settings only apply after restart")
		}
		applied = *next
	}
}
