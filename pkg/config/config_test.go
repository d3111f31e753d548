package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("POLICY_ENGINE_URL", "http://policy.example:9000")
	t.Setenv("API_PORT", "7000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://policy.example:9000", cfg.PolicyEngineURL)
	assert.Equal(t, 7000, cfg.APIPort)
}

func TestLoadFileOverridesEnv(t *testing.T) {
	t.Setenv("API_PORT", "7000")

	dir := t.TempDir()
	path := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_port": 9090}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.APIPort, "a JSON file value must win over an environment variable")
}

func TestLoadMissingFileFallsBackToEnvAndDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, Defaults().APIHost, cfg.APIHost)
}

func TestNodeIPLookup(t *testing.T) {
	t.Setenv("NODE_IP_FL_SERVER", "10.0.0.5")

	cfg, err := Load("")
	require.NoError(t, err)
	ip, ok := cfg.NodeIP("fl-server")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", ip)

	_, ok = cfg.NodeIP("unknown")
	assert.False(t, ok)
}

func TestAllowedOriginsCSV(t *testing.T) {
	t.Setenv("API_ALLOWED_ORIGINS", "https://a.example, https://b.example ,, ")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.APIAllowedOrigins)
}

func TestTrainingModeTightensIntervalsUnlessOverridden(t *testing.T) {
	t.Setenv("TRAINING_MODE", "mock")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.FLIntervalSec)

	t.Setenv("FL_INTERVAL_SEC", "3")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.FLIntervalSec, "an explicit interval must not be overridden by training-mode tightening")
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, cfg.PolicyIntervalSec, int(cfg.PolicyInterval().Seconds()))
	assert.False(t, cfg.IsDevMode())

	cfg.TrainingMode = "development"
	assert.True(t, cfg.IsDevMode())
}
