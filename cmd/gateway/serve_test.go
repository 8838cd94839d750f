package main

import (
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/config"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const restartWarning = "server, stats and log settings only apply after restart"

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader(writeConfig(t, body), nil).Load()
	require.NoError(t, err)
	return cfg
}

func TestReloader_RestartWarningOncePerChange(t *testing.T) {
	initial := loadConfig(t, testConfig)
	settings, err := initial.Settings()
	require.NoError(t, err)

	store, gate := infra.NewStore(), infra.NewGate()
	svc, err := application.NewService(settings, store, gate, infra.NewMemoryStatsStore())
	require.NoError(t, err)
	sweeper := infra.NewSweeper(store, gate, initial.Retention)

	core, logs := observer.New(zapcore.WarnLevel)
	reload := newReloader(svc, sweeper, initial, zap.New(core))

	moved := loadConfig(t, testConfig+"retention: 2h\nserver:\n  listen: \":9999\"\n")
	reload(moved)
	assert.Equal(t, 1, logs.FilterMessage(restartWarning).Len())
	assert.Equal(t, 2*time.Hour, sweeper.Retention())

	// mesmo listen de novo: nada mudou desde o último reload aplicado
	again := loadConfig(t, testConfig+"retention: 3h\nserver:\n  listen: \":9999\"\n")
	reload(again)
	assert.Equal(t, 1, logs.FilterMessage(restartWarning).Len())
	assert.Equal(t, 3*time.Hour, sweeper.Retention())
}

func TestReloader_AppliesRules(t *testing.T) {
	initial := loadConfig(t, testConfig)
	settings, err := initial.Settings()
	require.NoError(t, err)

	store, gate := infra.NewStore(), infra.NewGate()
	svc, err := application.NewService(settings, store, gate, infra.NewMemoryStatsStore())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	reload := newReloader(svc, infra.NewSweeper(store, gate, initial.Retention), initial, zap.New(core))

	reload(loadConfig(t, "general:\n  requests_per_minute: 7\n"))
	require.NotNil(t, svc.Settings().Rules.General)
	assert.Equal(t, 7, svc.Settings().Rules.General.RequestsPerMinute)
	assert.Zero(t, logs.Len())
}
