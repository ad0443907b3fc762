package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache"
	"github.com/meigma/warmcache/internal/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.NoError(t, config.Validate(cfg))
	assert.Equal(t, warmcache.DefaultShellTag, cfg.Worker.ShellTag)
	assert.Equal(t, warmcache.DefaultBackgrounds, cfg.Preload.Backgrounds)
	assert.Equal(t, 6*time.Second, cfg.Preload.Interval)
	assert.Equal(t, time.Second, cfg.Preload.FadeDelay)
	assert.Equal(t, 3, cfg.Preload.HighPriorityCount)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
origin: https://cafe.example/
logging:
  level: DEBUG
  format: json
worker:
  shell_tag: cafe-shell-v3
  max_entry_bytes: 8MiB
storage:
  backend: memory
  max_bytes: 512k
preload:
  backgrounds: [/a.webp, /b.webp]
  interval: 10s
  fade_delay: 500ms
network:
  latency: 150ms
  bandwidth: 1MB
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cafe.example/", cfg.Origin)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "cafe-shell-v3", cfg.Worker.ShellTag)
	assert.Equal(t, warmcache.DefaultImageTag, cfg.Worker.ImageTag)
	assert.Equal(t, config.ByteSize(8<<20), cfg.Worker.MaxEntryBytes)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, config.ByteSize(512<<10), cfg.Storage.MaxBytes)
	assert.Equal(t, []string{"/a.webp", "/b.webp"}, cfg.Preload.Backgrounds)
	assert.Equal(t, 10*time.Second, cfg.Preload.Interval)
	assert.Equal(t, 500*time.Millisecond, cfg.Preload.FadeDelay)
	assert.Equal(t, 150*time.Millisecond, cfg.Network.Latency)
	assert.Equal(t, config.ByteSize(1<<20), cfg.Network.Bandwidth)

	wc := cfg.WorkerConfig()
	assert.Equal(t, "https://cafe.example/", wc.BaseURL)
	assert.Equal(t, warmcache.DefaultShellManifest, wc.ShellManifest)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("WARMCACHE_ORIGIN", "https://env.example/")
	t.Setenv("WARMCACHE_STORAGE_BACKEND", "badger")
	t.Setenv("WARMCACHE_PRELOAD_INTERVAL", "2s")
	t.Setenv("WARMCACHE_PRELOAD_FADE_DELAY", "100ms")
	t.Setenv("WARMCACHE_PRELOAD_BACKGROUNDS", "/x.webp,/y.webp")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example/", cfg.Origin)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Preload.Interval)
	assert.Equal(t, []string{"/x.webp", "/y.webp"}, cfg.Preload.Backgrounds)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad level":       "logging:\n  level: loud\n",
		"same tags":       "worker:\n  shell_tag: x\n  image_tag: x\n",
		"slash in tag":    "worker:\n  shell_tag: a/b\n",
		"unknown backend": "storage:\n  backend: s3\n",
		"fade too long":   "preload:\n  interval: 1s\n  fade_delay: 2s\n",
		"relative origin": "origin: /site\n",
		"bad size":        "storage:\n  max_bytes: lots\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Load(writeFile(t, content))
			require.Error(t, err)
		})
	}
}

func TestInitAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, config.Init(path, false))
	require.Error(t, config.Init(path, false))
	require.NoError(t, config.Init(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# warmcache configuration")
	assert.Contains(t, string(data), "shell_tag: cafe-shell-v2")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
