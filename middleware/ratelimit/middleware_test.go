package ratelimit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func newEngine(t *testing.T, rule domain.Rule, mutate ...func(*application.Settings)) *application.Service {
	t.Helper()
	st := application.Settings{Enabled: true, EmitHeaders: true, Rules: application.RuleSet{General: &rule}}
	for _, m := range mutate {
		m(&st)
	}
	svc, err := application.NewService(st, infra.NewStore(), infra.NewGate(), infra.NewMemoryStatsStore())
	if err != nil {
		t.Fatalf("unexpected error building engine: %v", err)
	}
	return svc
}

func get(h http.Handler, path, remote string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://example"+path, nil)
	r.RemoteAddr = remote
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	h := Middleware(Options{Engine: newEngine(t, domain.Rule{RequestsPerMinute: 1})})(next)

	// 1) primeira passa
	w1 := get(h, "/showTela", "10.0.0.1:1234", nil)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Limit-Minute"); got != "1" {
		t.Fatalf("expected X-RateLimit-Limit-Minute=1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Client-Tier"); got != "basic" {
		t.Fatalf("expected tier header, got %q", got)
	}

	// 2) segunda deve bloquear
	w2 := get(h, "/showTela", "10.0.0.1:1234", nil)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header to be set")
	}
	if got := w2.Header().Get("X-RateLimit-Remaining-Minute"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}

	var body RejectBody
	if err := json.NewDecoder(w2.Body).Decode(&body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body.Reason != "requests per minute limit exceeded" {
		t.Fatalf("unexpected reason %q", body.Reason)
	}
	if body.RetryAfterSeconds <= 0 || body.RetryAfterSeconds > 60 {
		t.Fatalf("unexpected retry_after_seconds %d", body.RetryAfterSeconds)
	}
	if !strings.HasPrefix(w2.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected JSON content type, got %q", w2.Header().Get("Content-Type"))
	}

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
}

func TestMiddleware_KeyByHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{
		Engine:       newEngine(t, domain.Rule{RequestsPerMinute: 1}),
		ClientHeader: "X-Api-Key",
	})(next)

	// dois clientes diferentes => ambos devem passar (cada um tem seu próprio registro)
	if w := get(h, "/", "10.0.0.1:1234", map[string]string{"X-Api-Key": "k1"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for key k1, got %d", w.Code)
	}
	if w := get(h, "/", "10.0.0.1:1234", map[string]string{"X-Api-Key": "k2"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for key k2, got %d", w.Code)
	}
	if w := get(h, "/", "10.0.0.1:1234", map[string]string{"X-Api-Key": "k1"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for repeated key k1, got %d", w.Code)
	}
}

func TestMiddleware_ReleasesSlotAfterHandler(t *testing.T) {
	engine := newEngine(t, domain.Rule{MaxConcurrentRequests: 1})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			close(entered)
			<-unblock
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(Options{Engine: engine})(slow)

	done := make(chan int, 1)
	go func() { done <- get(h, "/slow", "10.0.0.1:1", nil).Code }()
	<-entered

	if w := get(h, "/fast", "10.0.0.1:2", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while the only slot is busy, got %d", w.Code)
	}

	close(unblock)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected slow request to succeed, got %d", code)
	}
	if w := get(h, "/fast", "10.0.0.1:2", nil); w.Code != http.StatusOK {
		t.Fatalf("expected slot to be free after the handler returned, got %d", w.Code)
	}
}

func TestMiddleware_PenaltyRetryAfterInSeconds(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(Options{Engine: newEngine(t, domain.Rule{
		RequestsPerMinute:          1,
		EnableProgressivePenalties: true,
		PenaltyMultiplier:          2,
	})})(next)

	get(h, "/", "10.0.0.1:1234", nil)
	w := get(h, "/", "10.0.0.1:1234", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Header().Get("Retry-After")); got != "120" {
		t.Fatalf("expected Retry-After=120 (2^1 minutes), got %q", got)
	}
}

func TestMiddleware_WhitelistedRequestsCarryNoHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	engine := newEngine(t, domain.Rule{RequestsPerMinute: 1}, func(st *application.Settings) {
		st.WhitelistIPs = []string{"10.0.0.1"}
	})
	h := Middleware(Options{Engine: engine})(next)

	for i := 0; i < 3; i++ {
		w := get(h, "/", "10.0.0.1:1234", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected whitelisted request to pass, got %d", w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit-Minute"); got != "" {
			t.Fatalf("expected no rate limit headers, got %q", got)
		}
	}
}

type stubEngine struct {
	dec      domain.Decision
	recorded int
}

func (s *stubEngine) CheckRateLimit(string, string, string) domain.Decision { return s.dec }
func (s *stubEngine) RecordRequest(string, string, string)                 { s.recorded++ }

func TestMiddleware_RetryAfterRoundsUp(t *testing.T) {
	engine := &stubEngine{dec: domain.Decision{Reason: "custom", RetryAfter: 2500 * time.Millisecond}}
	h := Middleware(Options{Engine: engine, RejectStatus: http.StatusServiceUnavailable})(http.NotFoundHandler())

	w := get(h, "/", "10.0.0.1:1234", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected custom reject status, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("expected Retry-After=3, got %q", got)
	}
	if engine.recorded != 0 {
		t.Fatalf("denied requests must not be recorded")
	}
}

func TestMiddleware_NilEngineIsPassThrough(t *testing.T) {
	h := Middleware(Options{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	if w := get(h, "/", "10.0.0.1:1234", nil); w.Code != http.StatusTeapot {
		t.Fatalf("expected pass-through, got %d", w.Code)
	}
}
