package gridcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Autosave.Enabled)
	assert.Equal(t, 30000, cfg.Autosave.IntervalMs)
	assert.Equal(t, 2000, cfg.Autosave.DebounceMs)
	assert.Equal(t, 3, cfg.Autosave.MaxRetries)
	assert.Equal(t, DefaultHistoryDepth, cfg.History.MaxDepth)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
[autosave]
enabled = false
interval_ms = 5000

[history]
max_depth = 25

[logging]
level = "debug"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Autosave.Enabled)
	assert.Equal(t, 5000, cfg.Autosave.IntervalMs)
	// unmentioned keys keep their defaults
	assert.Equal(t, 2000, cfg.Autosave.DebounceMs)
	assert.Equal(t, 25, cfg.History.MaxDepth)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative interval": "[autosave]\ninterval_ms = -1\n",
		"negative retries":  "[autosave]\nmax_retries = -2\n",
		"negative depth":    "[history]\nmax_depth = -5\n",
		"bad level":         "[logging]\nlevel = \"shout\"\n",
		"not toml":          "{json: true}",
	}
	for name, content := range cases {
		_, err := LoadConfig(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"", "info", "DEBUG", "warn", "warning", "Error"} {
		_, err := parseLogLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := parseLogLevel("loud")
	assert.Error(t, err)
}
