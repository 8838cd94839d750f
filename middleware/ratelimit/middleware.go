package ratelimit

import (
	"encoding/json"
	"net/http"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// Engine é o que o middleware precisa do motor (application.Service).
type Engine interface {
	CheckRateLimit(clientID, endpoint, originAddress string) domain.Decision
	RecordRequest(clientID, endpoint, originAddress string)
}

type Options struct {
	Engine             Engine
	IdentityFn         IdentityFunc
	ClientHeader       string
	TrustXForwardedFor bool
	EndpointFn         EndpointFunc
	RejectStatus       int
	Logger             *zap.Logger
}

// RejectBody é o corpo JSON da resposta de negação.
type RejectBody struct {
	Error             string `json:"error"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.IdentityFn == nil {
		opts.IdentityFn = DefaultIdentityFunc(opts.ClientHeader, opts.TrustXForwardedFor)
	}
	if opts.EndpointFn == nil {
		opts.EndpointFn = PathEndpoint
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		if opts.Engine == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := opts.IdentityFn(r)
			endpoint := opts.EndpointFn(r)

			dec := opts.Engine.CheckRateLimit(id.ClientID, endpoint, id.Origin)
			for k, v := range dec.Headers {
				w.Header().Set(k, v)
			}

			if !dec.Allowed {
				reject(w, opts.RejectStatus, dec, opts.Logger)
				return
			}
			if dec.Release != nil {
				defer dec.Release()
			}

			opts.Engine.RecordRequest(id.ClientID, endpoint, id.Origin)
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, status int, dec domain.Decision, logger *zap.Logger) {
	secs := application.RetryAfterSeconds(dec.RetryAfter)
	if _, ok := dec.Headers[application.HeaderRetryAfter]; !ok && secs > 0 {
		w.Header().Set(application.HeaderRetryAfter, formatInt64(secs))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	body := RejectBody{
		Error:             http.StatusText(status),
		Reason:            dec.Reason,
		RetryAfterSeconds: secs,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("failed to write reject body", zap.Error(err))
	}
}
