package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HEARTH_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Agent.MaxIterations)
	require.Equal(t, 5, cfg.Memory.HotWindowSize)
	require.Equal(t, 0.75, cfg.Budget.WarningPct)
	require.NotEmpty(t, cfg.Router.Tiers["complex"].Models)
}

func TestLoad_YAMLOverridesDefaultsEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
budget:
  dailyLimit: 5
agent:
  maxIterations: 10
llmClient:
  anthropic:
    apiKey: from-yaml
`), 0o600))

	t.Setenv("HEARTH_CONFIG", path)
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Agent.MaxIterations)
	require.Equal(t, 5.0, cfg.Budget.DailyLimit)
	require.Equal(t, "from-env", cfg.LLMClient.Anthropic.APIKey)
}
