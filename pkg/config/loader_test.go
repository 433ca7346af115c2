package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o600))
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultScanInterval, cfg.Scheduler.ScanInterval)
	assert.Equal(t, DefaultMaxEventDuration, cfg.Scheduler.MaxEventDuration)
	assert.Equal(t, DefaultIdleReprocess, cfg.Scheduler.IdleReprocess)
	assert.Equal(t, DefaultMaxToolChains, cfg.LLM.MaxToolChains)
	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.TaskTimeout("developer", "implement"))
	assert.Equal(t, DefaultDispatchTimeout, cfg.Dispatch.TaskTimeout("sysadmin", ""))
}

func TestInitializeUserOverrides(t *testing.T) {
	dir := writeConfig(t, `
scheduler:
  scan_interval: 2s
  max_event_duration: 600s
dispatch:
  role_timeouts:
    qe: 3m
llm:
  model: claude-haiku-4-5
  max_tool_chains: 4
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Scheduler.ScanInterval)
	assert.Equal(t, 600*time.Second, cfg.Scheduler.MaxEventDuration)
	assert.Equal(t, 3*time.Minute, cfg.Dispatch.TaskTimeout("qe", ""))
	assert.Equal(t, "claude-haiku-4-5", cfg.LLM.Model)
	assert.Equal(t, 4, cfg.LLM.MaxToolChains)
	// Untouched sections keep defaults.
	assert.Equal(t, DefaultGraceExtension, cfg.Scheduler.GraceExtension)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("BRAIN_TEST_REDIS", "redis.internal:6380")
	dir := writeConfig(t, "redis:\n  addr: \"{{.BRAIN_TEST_REDIS}}\"\n")

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestInitializeValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{"bad forbidden pattern", "dispatch:\n  forbidden_patterns: [\"[unclosed\"]\n", "invalid pattern"},
		{"archive without dsn", "archive:\n  enabled: true\n", "archive.dsn is required"},
		{"slack without channel", "slack:\n  enabled: true\n", "slack.channel is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Initialize(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestInitializeMalformedYAML(t *testing.T) {
	_, err := Initialize(writeConfig(t, "scheduler: [not a map\n"))
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, configFileName, le.File)
}
