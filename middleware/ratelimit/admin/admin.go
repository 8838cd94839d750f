// Package admin expõe a API HTTP de administração do controle de admissão:
// consulta e reset de clientes, estatísticas, regras efetivas, health e métricas.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Engine é o subconjunto do application.Service usado pela API.
type Engine interface {
	GetRateLimitInfo(clientID string) ([]domain.ClientUsage, error)
	ResetRateLimit(clientID string) (int, error)
	GetStatistics(ctx context.Context) (domain.Statistics, error)
	Settings() application.Settings
}

type Options struct {
	Engine Engine
	// Token, se definido, exige "Authorization: Bearer <token>" nas rotas de clientes/estatísticas/regras.
	Token string
	// Gatherer habilita /metrics; nil desliga a rota.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// RateLimit/Burst limitam a API inteira (padrão 20 req/s, burst 40).
	RateLimit rate.Limit
	Burst     int
}

type ClientView struct {
	ClientID string               `json:"client_id"`
	Records  []domain.ClientUsage `json:"records"`
}

type ResetView struct {
	ClientID string `json:"client_id"`
	Removed  int    `json:"removed"`
}

type RulesView struct {
	Enabled          bool                        `json:"enabled"`
	Headers          bool                        `json:"headers"`
	General          *domain.Rule                `json:"general"`
	Tiers            map[domain.Tier]domain.Rule `json:"tiers"`
	Endpoints        map[string]domain.Rule      `json:"endpoints"`
	WhitelistIPs     []string                    `json:"whitelist_ips"`
	WhitelistClients []string                    `json:"whitelist_clients"`
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type handler struct {
	engine Engine
	logger *zap.Logger
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 20
	}
	if opts.Burst == 0 {
		opts.Burst = 40
	}
	h := &handler{engine: opts.Engine, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(opts.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(throttle(rate.NewLimiter(opts.RateLimit, opts.Burst)))
		if opts.Token != "" {
			r.Use(bearer(opts.Token))
		}
		r.Get("/clients/{clientID}", h.getClient)
		r.Delete("/clients/{clientID}", h.resetClient)
		r.Get("/stats", h.stats)
		r.Get("/rules", h.rules)
	})
	return r
}

func clientParam(r *http.Request) string {
	raw := chi.URLParam(r, "clientID")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func (h *handler) getClient(w http.ResponseWriter, r *http.Request) {
	id := clientParam(r)
	records, err := h.engine.GetRateLimitInfo(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClientView{ClientID: id, Records: records})
}

func (h *handler) resetClient(w http.ResponseWriter, r *http.Request) {
	id := clientParam(r)
	n, err := h.engine.ResetRateLimit(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("client reset via admin api",
		zap.String("client_id", id),
		zap.Int("removed", n),
		zap.String("request_id", RequestIDFrom(r.Context())))
	writeJSON(w, http.StatusOK, ResetView{ClientID: id, Removed: n})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetStatistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) rules(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Settings()
	writeJSON(w, http.StatusOK, RulesView{
		Enabled:          st.Enabled,
		Headers:          st.EmitHeaders,
		General:          st.Rules.General,
		Tiers:            st.Rules.Tiers,
		Endpoints:        st.Rules.Endpoints,
		WhitelistIPs:     st.WhitelistIPs,
		WhitelistClients: st.WhitelistClients,
	})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidClientID):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrClientNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), RequestID: RequestIDFrom(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestID reaproveita o X-Request-ID recebido ou gera um UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("admin request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", RequestIDFrom(r.Context())))
		})
	}
}

func throttle(lim *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "admin api rate limit exceeded", RequestID: RequestIDFrom(r.Context())})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admission-admin"`)
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", RequestID: RequestIDFrom(r.Context())})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
