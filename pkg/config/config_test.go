package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hephaestus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Breaker.Window.Std())
	assert.Contains(t, cfg.Classes, agent.ClassCoder)
	assert.Empty(t, cfg.Keys)
}

func TestUserOverridesMergeOverDefaults(t *testing.T) {
	path := writeConfig(t, `
max_concurrent: 16
retry:
  max_attempts: 5
  base_delay: 250ms
queue:
  path: /tmp/q.snap
per_class_limits:
  coder: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxConcurrent)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay.Std())
	// Unset fields keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay.Std())
	assert.Equal(t, "/tmp/q.snap", cfg.Queue.Path)
	assert.Equal(t, 2, cfg.PerClassLimits[agent.ClassCoder])
	assert.Equal(t, 120, cfg.CallsPerMinute)
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, `
max_concurent: 4
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurent")
}

func TestUnknownNestedKeyRejected(t *testing.T) {
	path := writeConfig(t, `
retry:
  attempts: 5
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
retry:
  base_delay: fast
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestSecretResolution(t *testing.T) {
	t.Setenv("HEPH_TEST_KEY", "sk-resolved")
	path := writeConfig(t, `
keys:
  - id: k1
    provider: anthropic
    secret_env: HEPH_TEST_KEY
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Keys, 1)
	assert.Equal(t, "sk-resolved", cfg.Keys[0].Secret())
	assert.NotContains(t, cfg.Keys[0].String(), "sk-resolved")
}

func TestMissingSecretEnvFails(t *testing.T) {
	path := writeConfig(t, `
keys:
  - id: k1
    provider: anthropic
    secret_env: HEPH_DEFINITELY_UNSET
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEPH_DEFINITELY_UNSET")
}

func TestValidationErrorsJoined(t *testing.T) {
	path := writeConfig(t, `
retry:
  jitter: 3
log:
  level: loud
per_class_limits:
  warlock: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter")
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "warlock")
}

func TestDuplicateKeyIDRejected(t *testing.T) {
	t.Setenv("HEPH_TEST_KEY", "sk-x")
	path := writeConfig(t, `
keys:
  - id: k1
    provider: anthropic
    secret_env: HEPH_TEST_KEY
  - id: k1
    provider: anthropic
    secret_env: HEPH_TEST_KEY
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key id")
}

func TestCustomClasses(t *testing.T) {
	path := writeConfig(t, `
classes: [smith, oracle]
per_class_limits:
  smith: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []agent.Class{"smith", "oracle"}, cfg.Classes)
	assert.Equal(t, 3, cfg.PerClassLimits[agent.Class("smith")])
}
