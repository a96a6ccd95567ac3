package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DEBUG", "")
	t.Setenv("RELAY_PAIRING_TOKEN", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Port)
	require.Equal(t, "claude", cfg.AssistantBin)
	require.Equal(t, 300*time.Second, cfg.DefaultTimeout)
	require.Equal(t, 1800*time.Second, cfg.MaxTimeout)
	require.False(t, cfg.Debug)
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
pairingToken: file-token
assistantBin: assistant
timeoutSeconds: 60
debug: true
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("RELAY_PAIRING_TOKEN", "")
	t.Setenv("DEBUG", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Environment wins over the file.
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, "file-token", cfg.PairingToken)
	require.Equal(t, "assistant", cfg.AssistantBin)
	require.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	require.True(t, cfg.Debug)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := Load("")
	require.Error(t, err)
}
