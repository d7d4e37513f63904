package gateway

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.CredentialCount)
}

func TestLoadConfig_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("GATEWAY_CREDENTIAL_COUNT", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 7, cfg.CredentialCount)
}

func TestLoadConfig_YAMLThenEnvLayering(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("port: 1234\ncredential_count: 2\nupstream_base_url: http://yaml-base\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv("GATEWAY_PORT", "5555")

	cfg, err := LoadConfig(f.Name())
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Port, "env overrides YAML")
	assert.Equal(t, 2, cfg.CredentialCount, "YAML overrides default")
	assert.Equal(t, "http://yaml-base", cfg.UpstreamBaseURL)
}

func TestLoadConfig_InvalidCredentialCount(t *testing.T) {
	t.Setenv("GATEWAY_CREDENTIAL_COUNT", "0")
	_, err := LoadConfig("")
	assert.Error(t, err)
}
