package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveguard/driveguard/pkg/dlp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "block", cfg.Scanning.Action)
	assert.False(t, cfg.Scanning.FailOpen)
	assert.Equal(t, int64(512), cfg.Scanning.MaxFileSizeMB)
	assert.Equal(t, 30, cfg.Scanning.TimeoutSeconds)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 3, cfg.Archive.MaxDepth)
	assert.True(t, cfg.Archive.BlockEncrypted)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driveguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scanning:
  action: warn
  warn_threshold: 0.3
  block_threshold: 0.6
  disabled_patterns:
    - email
archive:
  max_depth: 5
logging:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Scanning.Action)
	assert.Equal(t, 0.3, cfg.Scanning.WarnThreshold)
	assert.Equal(t, []string{"email"}, cfg.Scanning.DisabledPatterns)
	assert.Equal(t, 5, cfg.Archive.MaxDepth)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	write := func(body string) string {
		path := filepath.Join(t.TempDir(), "driveguard.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	_, err := Load(write("scanning:\n  action: explode\n"))
	assert.Error(t, err)

	_, err = Load(write("scanning:\n  timeout_seconds: -5\n"))
	assert.Error(t, err)

	_, err = Load(write("scanning:\n  block_threshold: 1.5\n"))
	assert.Error(t, err)

	_, err = Load(write("logging:\n  level: loudest\n"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DRIVEGUARD_SCANNING_ACTION", "quarantine")
	t.Setenv("DRIVEGUARD_CACHE_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "quarantine", cfg.Scanning.Action)
	assert.False(t, cfg.Cache.Enabled)
}

func TestToScannerConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	sc := cfg.ToScannerConfig()
	assert.Equal(t, dlp.ActionBlock, sc.DetectionAction)
	assert.Equal(t, int64(512<<20), sc.MaxFileSize)
	assert.Equal(t, 30*time.Second, sc.ScanTimeout)
	assert.Equal(t, int64(64<<20), sc.CacheMaxBytes)
	assert.Equal(t, 15*time.Minute, sc.CacheTTL)
	assert.Equal(t, 60*time.Second, sc.Archive.Timeout)

	// The produced config must be accepted by the engine as-is.
	_, err = dlp.NewScanner(sc)
	assert.NoError(t, err)
}
