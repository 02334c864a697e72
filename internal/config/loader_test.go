package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// isolate keeps the developer's own config and environment out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv(ConfigFileEnv, "")
	for _, spec := range getEnvSpecs() {
		t.Setenv(spec.Name, "")
		require.NoError(t, os.Unsetenv(spec.Name))
	}
	return home
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, 3, cfg.Jobs.MaxConcurrent.Download)
		assert.Equal(t, 2, cfg.Jobs.MaxConcurrent.Convert)
		assert.Equal(t, 0, cfg.Jobs.MaxConcurrent.Sync)
		assert.Equal(t, 10*time.Second, cfg.Jobs.ShutdownGrace)
		assert.Equal(t, 500*time.Millisecond, cfg.Jobs.MetaInterval)
		assert.Equal(t, 50, cfg.Jobs.LogTail)

		assert.Equal(t, "ffmpeg", cfg.Tools.FFmpeg)
		assert.Equal(t, "m4b", cfg.Library.Format)
		assert.NotEmpty(t, cfg.Library.Patterns)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx, map[string]any{
			"server":  map[string]any{"port": 9000, "host": "0.0.0.0"},
			"logging": map[string]any{"level": "debug"},
			"jobs":    map[string]any{"max_concurrent": map[string]any{"download": 1}},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 1, cfg.Jobs.MaxConcurrent.Download)
		assert.Equal(t, 2, cfg.Jobs.MaxConcurrent.Convert)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("AUDIOSHELF_PORT", "3000")
		t.Setenv("AUDIOSHELF_LOG_LEVEL", "warn")
		t.Setenv("AUDIOSHELF_MAX_CONVERSIONS", "5")
		t.Setenv("AUDIOSHELF_SHUTDOWN_GRACE", "1m")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 5, cfg.Jobs.MaxConcurrent.Convert)
		assert.Equal(t, time.Minute, cfg.Jobs.ShutdownGrace)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		home := isolate(t)
		path := filepath.Join(home, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
library:
  dir: /srv/audiobooks
  patterns: ["**/*.m4b"]
jobs:
  max_concurrent:
    download: 6
`), 0o644))
		t.Setenv(ConfigFileEnv, path)
		t.Setenv("AUDIOSHELF_MAX_DOWNLOADS", "4")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "/srv/audiobooks", cfg.LibraryDir())
		assert.Equal(t, []string{"**/*.m4b"}, cfg.Library.Patterns)
		assert.Equal(t, 4, cfg.Jobs.MaxConcurrent.Download, "env beats the config file")
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("AUDIOSHELF_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"server": map[string]any{"port": 70000}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		require.Error(t, err)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Server.Port, got.Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := map[string]string{}
	for _, spec := range specs {
		assert.Contains(t, spec.Name, EnvPrefix+"_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}
	assert.Equal(t, "logging.level", names["AUDIOSHELF_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["AUDIOSHELF_PORT"])
	assert.Equal(t, "data_dir", names["AUDIOSHELF_DATA_DIR"])
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, "10s", v.GetString("jobs.shutdown_grace"))
	assert.Equal(t, 3, v.GetInt("jobs.max_concurrent.download"))
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/audioshelf"}
	assert.Equal(t, jobregistry.Config{Path: "/var/lib/audioshelf/jobs.db"}, cfg.StoreConfig())
	assert.Equal(t, "/var/lib/audioshelf/jobs", cfg.JobLogDir())
	assert.Equal(t, "/var/lib/audioshelf/catalog.json", cfg.CatalogPath())
	assert.Equal(t, "/var/lib/audioshelf/downloads", cfg.DownloadDir())
	assert.Equal(t, "/var/lib/audioshelf/library", cfg.LibraryDir())

	cfg.Jobs.DBURL = "libsql://jobs.example.turso.io"
	assert.Equal(t, "", cfg.StoreConfig().Path)

	caps := (JobsConfig{MaxConcurrent: MaxConcurrentConfig{Download: 3, Convert: 2}}).Capacities()
	assert.Equal(t, 3, caps[jobregistry.TaskDownload])
	assert.Equal(t, 0, caps[jobregistry.TaskRepair])
}
