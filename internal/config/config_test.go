package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Inference.BaseURL)
	assert.Equal(t, 300*time.Second, cfg.Health.MaxWait)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, 5.0, cfg.Monitor.DriftThreshold)
	assert.Equal(t, 5, cfg.Monitor.SamplesPerClass)
	assert.Equal(t, []string{"cat", "dog"}, cfg.Evaluation.Dataset.Classes)
	require.Len(t, cfg.Smoke.Services, 3)
	assert.False(t, cfg.Smoke.Services[2].Required, "MLflow is optional")
	assert.Len(t, cfg.Deploy.Plans["compose"].Commands, 3)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
inference:
  baseURL: http://inference.internal:9000
health:
  maxWait: 60s
  interval: 5s
monitor:
  driftThreshold: 2.5
deploy:
  defaultKind: cluster
`)
	t.Setenv("ROLLOUT_HEALTH_INTERVAL", "2s")
	t.Setenv("ROLLOUT_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://inference.internal:9000", cfg.Inference.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.Health.MaxWait)
	assert.Equal(t, 2*time.Second, cfg.Health.Interval)
	assert.Equal(t, 2.5, cfg.Monitor.DriftThreshold)
	assert.Equal(t, "cluster", cfg.Deploy.DefaultKind)
	assert.True(t, cfg.Logging.JSON)
	// untouched sections keep their defaults
	assert.Equal(t, "inference_requests_total", cfg.Smoke.MetricsToken)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
predictions:
  backend: sqlite
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidateUnknownDefaultKind(t *testing.T) {
	cfg := Default()
	cfg.Deploy.DefaultKind = "nomad"
	require.Error(t, Validate(cfg))
}

func TestValidateEnabledInfluxNeedsURL(t *testing.T) {
	cfg := Default()
	cfg.Evaluation.Influx.Enabled = true
	require.Error(t, Validate(cfg))

	cfg.Evaluation.Influx.URL = "http://localhost:8086"
	require.NoError(t, Validate(cfg))
}
