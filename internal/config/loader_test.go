package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps user and system settings files out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	SetConfigFile(filepath.Join(t.TempDir(), "webjobd.yaml"))
	require.NoError(t, os.WriteFile(configFileForTest(), []byte("{}\n"), 0o600))
	t.Cleanup(func() { SetConfigFile("") })
}

func configFileForTest() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configFile
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)

		assert.Equal(t, "", cfg.Service.Config)
		assert.Equal(t, "warn", cfg.Service.JobLogLevel)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("WEBJOBD_PORT", "3000")
		t.Setenv("WEBJOBD_LOG_LEVEL", "warn")
		t.Setenv("WEBJOBD_METRICS_ENABLED", "false")
		t.Setenv("WEBJOBD_SERVICE_CONFIG", "/etc/webjobd/service.yaml")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "/etc/webjobd/service.yaml", cfg.Service.Config)
	})

	t.Run("NestedEnvName", func(t *testing.T) {
		t.Setenv("WEBJOBD_SERVER_IDLE_TIMEOUT", "1m")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Server.IdleTimeout)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("WEBJOBD_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	path := filepath.Join(t.TempDir(), "webjobd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
  shutdown_timeout: 3s
logging:
  profile: console
service:
  config: /srv/jobs/service.yaml
`), 0o600))
	SetConfigFile(path)

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "CONSOLE", cfg.Logging.Profile)
	assert.Equal(t, "/srv/jobs/service.yaml", cfg.Service.Config)

	t.Setenv("WEBJOBD_PORT", "7171")
	cfg, err = Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7171, cfg.Server.Port)

	SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load(ctx)
	assert.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "WEBJOBD_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	for _, want := range []string{"WEBJOBD_LOG_LEVEL", "WEBJOBD_PORT", "WEBJOBD_HOST", "WEBJOBD_METRICS_PORT", "WEBJOBD_SERVICE_CONFIG"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("WEBJOBD_READ_TIMEOUT", "45s")
	t.Setenv("WEBJOBD_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	isolate(t)
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"cert": "c"}},
		"debug":  true,
	})
	assert.Equal(t, map[string]any{
		"server.port":     1,
		"server.tls.cert": "c",
		"debug":           true,
	}, got)
}
