package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MUDRA_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, filepath.Join(dir, "mudra.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "plugins"), cfg.PluginDir)
	assert.Equal(t, filepath.Join(dir, "model.json"), cfg.ModelPath)
	assert.Equal(t, filepath.Join(dir, "patterns.json"), cfg.Catalog)
	assert.Equal(t, 15, cfg.FPS)
	assert.Equal(t, 300*time.Millisecond, cfg.ClassifyBudget)
	assert.Equal(t, 5*time.Second, cfg.PluginTimeout)
	assert.False(t, cfg.Tray)
	assert.True(t, cfg.Mirror)
	assert.Empty(t, cfg.WebDir)
	assert.Empty(t, cfg.ClassifierCmd)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MUDRA_DATA_DIR", t.TempDir())
	t.Setenv("MUDRA_ADDR", "127.0.0.1:9000")
	t.Setenv("MUDRA_DB_PATH", "/tmp/custom.db")
	t.Setenv("MUDRA_FPS", "30")
	t.Setenv("MUDRA_CLASSIFIER_CMD", "python3 serve_model.py --port 0")
	t.Setenv("MUDRA_CLASSIFY_BUDGET", "150ms")
	t.Setenv("MUDRA_TRAY", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, []string{"python3", "serve_model.py", "--port", "0"}, cfg.ClassifierCmd)
	assert.Equal(t, 150*time.Millisecond, cfg.ClassifyBudget)
	assert.True(t, cfg.Tray)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"fps not a number": {"MUDRA_FPS", "fast"},
		"fps zero":         {"MUDRA_FPS", "0"},
		"negative camera":  {"MUDRA_CAMERA_ID", "-1"},
		"zero plugin time": {"MUDRA_PLUGIN_TIMEOUT", "0s"},
		"bad duration":     {"MUDRA_CLASSIFY_BUDGET", "soon"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("MUDRA_DATA_DIR", t.TempDir())
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
