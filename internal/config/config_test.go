package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "towerlink.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func validConfig() *Config {
	return &Config{
		Version:  "1.0",
		Instance: "tower",
		Commands: Commands{{Name: "v360_on", Argv: []string{"/usr/local/bin/v360", "on"}}},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: tower
store:
  backend: redis
  url: redis://redis:6379
timing:
  time_unit: 500ms
  action_timeout: 30s
  heartbeat_every: 0
health:
  port: 9090
commands:
  wifi_on: ["/usr/local/bin/wifi", "on"]
  v360_on: ["/usr/local/bin/v360", "on"]
  atv_off: ["/usr/local/bin/atv", "off"]
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "tower", config.Instance)
	assert.Equal(t, "redis://redis:6379", config.Store.URL)
	assert.Equal(t, 500*time.Millisecond, config.Timing.TimeUnit)
	assert.Equal(t, 30*time.Second, config.Timing.ActionTimeout)
	assert.Equal(t, 10*time.Second, config.Timing.ConnectTimeout)
	assert.Equal(t, 0, *config.Timing.HeartbeatEvery)
	assert.Equal(t, 9090, *config.Health.Port)

	// Order follows the file, not the alphabet
	assert.Equal(t, []string{"wifi_on", "v360_on", "atv_off"}, config.Commands.Names())
	assert.Equal(t, []string{"/usr/local/bin/v360", "on"}, config.Commands.Map()["v360_on"])
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/towerlink.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
commands:
  - this is invalid
    yaml syntax
`)

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_CommandsMustBeMapping(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: tower
commands:
  - v360_on
`)

	_, err := Load(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "commands must be a mapping")
}

func TestLoad_DuplicateCommand(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: tower
commands:
  v360_on: ["a"]
  v360_on: ["b"]
`)

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: tower
commands:
  v360_on: ["/usr/local/bin/v360", "on"]
`)
	t.Setenv(EnvStoreURL, "redis://elsewhere:6380")
	t.Setenv(EnvInstance, "pad-39a")

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "redis://elsewhere:6380", config.Store.URL)
	assert.Equal(t, "pad-39a", config.Instance)
}

func TestValidate_Defaults(t *testing.T) {
	config := validConfig()

	require.NoError(t, config.Validate())
	assert.Equal(t, BackendRedis, config.Store.Backend)
	assert.Equal(t, "redis://localhost:6379", config.Store.URL)
	assert.Equal(t, time.Second, config.Timing.TimeUnit)
	assert.Equal(t, 5*time.Minute, config.Timing.ActionTimeout)
	assert.Equal(t, 5, *config.Timing.HeartbeatEvery)
	assert.Equal(t, 8080, *config.Health.Port)
}

func TestValidate_NATSDefaults(t *testing.T) {
	config := validConfig()
	config.Store.Backend = BackendNATS

	require.NoError(t, config.Validate())
	assert.Equal(t, "nats://127.0.0.1:4222", config.Store.URL)
	assert.Equal(t, "towerlink", config.Store.Bucket)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		contains string
	}{
		{"unsupported version", func(c *Config) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"missing instance", func(c *Config) { c.Instance = "" }, "instance is required"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "invalid store.backend"},
		{"no commands", func(c *Config) { c.Commands = nil }, "no commands defined"},
		{"reserved name", func(c *Config) { c.Commands[0].Name = "LATCH" }, "reserved key"},
		{"heartbeat name", func(c *Config) { c.Commands[0].Name = "AgentHeartbeat" }, "reserved key"},
		{"invalid name", func(c *Config) { c.Commands[0].Name = "rm -rf" }, "may only contain"},
		{"empty argv", func(c *Config) { c.Commands[0].Argv = nil }, "argv is required"},
		{"negative heartbeat", func(c *Config) {
			every := -1
			c.Timing = &TimingConfig{HeartbeatEvery: &every}
		}, "heartbeat_every"},
		{"bad port", func(c *Config) {
			port := 70000
			c.Health = &HealthConfig{Port: &port}
		}, "health.port"},
		{"bad bucket", func(c *Config) {
			c.Store.Backend = BackendNATS
			c.Store.Bucket = "tower.link"
		}, "store.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := config.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
	})

	t.Run("sets variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("TOWERLINK_TEST_DOTENV=armed\n"), 0644))
		t.Cleanup(func() { os.Unsetenv("TOWERLINK_TEST_DOTENV") })

		require.NoError(t, LoadDotEnv(path))
		assert.Equal(t, "armed", os.Getenv("TOWERLINK_TEST_DOTENV"))
	})
}
