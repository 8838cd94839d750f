package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"admission-gateway/middleware/ratelimit/admin"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testConfig = `
general:
  requests_per_minute: 60
tiers:
  premium:
    requests_per_minute: 600
endpoints:
  - path: /api/Search
    requests_per_second: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesCommandPrintsTables(t *testing.T) {
	out, err := run(t, "rules", "-c", writeConfig(t, testConfig))
	require.NoError(t, err)

	var doc struct {
		General   domain.Rule            `yaml:"general"`
		Tiers     map[string]domain.Rule `yaml:"tiers"`
		Endpoints map[string]domain.Rule `yaml:"endpoints"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 60, doc.General.RequestsPerMinute)
	assert.Equal(t, 600, doc.Tiers["premium"].RequestsPerMinute)
	assert.Equal(t, 2, doc.Endpoints["/api/Search"].RequestsPerSecond)
}

func TestRulesCommandResolvesSource(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	tests := []struct {
		name     string
		client   string
		endpoint string
		source   string
	}{
		{"endpoint wins over tier", "premium_acme", "/api/Search", "endpoint"},
		{"tier by client prefix", "premium_acme", "/other", "tier"},
		{"general fallback", "acme", "/other", "general"},
		{"path match is case sensitive", "acme", "/api/search", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "rules", "-c", cfg, "--client", tt.client, "--endpoint", tt.endpoint)
			require.NoError(t, err)
			var doc resolvedDoc
			require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
			assert.Equal(t, tt.source, doc.Source)
			assert.Equal(t, domain.TierFor(tt.client), doc.Tier)
		})
	}
}

func TestRulesCommandWithoutGeneral(t *testing.T) {
	_, err := run(t, "rules", "-c", writeConfig(t, "tiers:\n  basic:\n    requests_per_minute: 1\n"))
	require.Error(t, err)
}

func newAdminServer(t *testing.T, token string) (*httptest.Server, *application.Service) {
	t.Helper()
	svc, err := application.NewService(application.Settings{
		Enabled:     true,
		EmitHeaders: true,
		Rules: application.RuleSet{
			General: &domain.Rule{RequestsPerMinute: 5},
		},
	}, infra.NewStore(), infra.NewGate(), infra.NewMemoryStatsStore())
	require.NoError(t, err)

	srv := httptest.NewServer(admin.NewRouter(admin.Options{Engine: svc, Token: token}))
	t.Cleanup(srv.Close)
	return srv, svc
}

func admit(svc *application.Service, clientID, endpoint, origin string) {
	dec := svc.CheckRateLimit(clientID, endpoint, origin)
	if dec.Allowed {
		svc.RecordRequest(clientID, endpoint, origin)
	}
	if dec.Release != nil {
		dec.Release()
	}
}

func TestStatsCommand(t *testing.T) {
	srv, svc := newAdminServer(t, "")
	for i := 0; i < 7; i++ {
		admit(svc, "acme", "/api/orders", "10.0.0.1")
	}

	out, err := run(t, "stats", "--admin-url", srv.URL, "-o", "json")
	require.NoError(t, err)

	var st domain.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.EqualValues(t, 7, st.TotalRequests)
	assert.EqualValues(t, 2, st.BlockedRequests)
	require.Len(t, st.TopEndpoints, 1)
	assert.Equal(t, "/api/orders", st.TopEndpoints[0].Endpoint)

	table, err := run(t, "stats", "--admin-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, table, "Top endpoints")
	assert.Contains(t, table, "/api/orders")
	assert.Contains(t, table, "acme")
}

func TestInspectAndResetCommands(t *testing.T) {
	srv, svc := newAdminServer(t, "s3cret")
	admit(svc, "acme", "/a", "10.0.0.1")
	admit(svc, "acme", "/a", "10.0.0.2")

	out, err := run(t, "inspect", "acme", "--admin-url", srv.URL, "--admin-token", "s3cret")
	require.NoError(t, err)
	assert.Contains(t, out, "acme_10.0.0.1")
	assert.Contains(t, out, "acme_10.0.0.2")

	out, err = run(t, "reset", "acme", "--admin-url", srv.URL, "--admin-token", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "reset acme: 2 record(s) removed\n", out)

	_, err = run(t, "inspect", "acme", "--admin-url", srv.URL, "--admin-token", "s3cret")
	var ae *adminError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 404, ae.Status)
}

func TestAdminCommandsRequireToken(t *testing.T) {
	srv, _ := newAdminServer(t, "s3cret")

	_, err := run(t, "stats", "--admin-url", srv.URL)
	var ae *adminError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 401, ae.Status)
	assert.NotEmpty(t, ae.RequestID)
}

func TestInvalidAdminURL(t *testing.T) {
	_, err := run(t, "stats", "--admin-url", "localhost")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid --admin-url"))
}
