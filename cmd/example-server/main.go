package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// Exemplo: injetando o controle de admissão diretamente no seu webserver (sem proxy)
	store := infra.NewStore()
	gate := infra.NewGate()
	svc, err := application.NewService(application.Settings{
		Enabled:     true,
		EmitHeaders: true,
		Rules: application.RuleSet{
			General: &domain.Rule{
				RequestsPerSecond:          5,
				RequestsPerMinute:          100,
				MaxConcurrentRequests:      10,
				EnableProgressivePenalties: true,
				PenaltyMultiplier:          2,
			},
			Tiers: map[domain.Tier]domain.Rule{
				domain.TierPremium: {RequestsPerSecond: 50, RequestsPerMinute: 2000, MaxConcurrentRequests: 50},
			},
		},
	}, store, gate, infra.NewMemoryStatsStore(), application.WithLogger(logger))
	if err != nil {
		logger.Fatal("invalid rules", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper := infra.NewSweeper(store, gate, time.Hour, infra.WithSweepInterval(time.Minute), infra.WithSweeperLogger(logger))
	go func() { _ = sweeper.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	h := ratelimit.Middleware(ratelimit.Options{
		Engine:             svc,
		ClientHeader:       "X-Api-Key", // ou vazio para usar só o IP
		TrustXForwardedFor: true,
		Logger:             logger,
	})(mux)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
