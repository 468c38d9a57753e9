package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig_Load(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":8080"
  shutdown_timeout: 15s
ws:
  max_idle: 300s
  retry_max_attempts: 3
log:
  level: debug
`)

	c := New(WithConfigFile(path))
	require.NoError(t, c.Load())
	defer c.Close()

	assert.Equal(t, ":8080", c.GetString("server.addr"))
	assert.Equal(t, 15*time.Second, c.GetDuration("server.shutdown_timeout"))
	assert.Equal(t, 300*time.Second, c.GetDuration("ws.max_idle"))
	assert.Equal(t, 3, c.GetInt("ws.retry_max_attempts"))
	assert.Equal(t, "debug", c.GetString("log.level"))
	assert.True(t, c.IsSet("server.addr"))
	assert.False(t, c.IsSet("server.nonexistent"))
}

func TestConfig_LoadNotFound(t *testing.T) {
	c := New(WithConfigName("nonexistent"), WithConfigType("yaml"), WithConfigPaths(t.TempDir()))
	err := c.Load()
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestConfig_Defaults(t *testing.T) {
	path := writeConfigFile(t, `server:
  addr: ":9090"
`)
	c := New(
		WithConfigFile(path),
		WithDefaults(map[string]any{
			"server.addr":  ":8080",
			"ws.ring_size": 1000,
			"ws.max_idle":  "300s",
			"log.level":    "info",
		}),
	)
	require.NoError(t, c.Load())
	defer c.Close()

	// 文件值覆盖默认值
	assert.Equal(t, ":9090", c.GetString("server.addr"))
	// 未出现在文件中的键回落到默认值
	assert.Equal(t, 1000, c.GetInt("ws.ring_size"))
	assert.Equal(t, 300*time.Second, c.GetDuration("ws.max_idle"))
	assert.Equal(t, "info", c.GetString("log.level"))
}

func TestConfig_EnvOverride(t *testing.T) {
	path := writeConfigFile(t, `log:
  level: info
`)
	t.Setenv("AGENTGATE_LOG_LEVEL", "warn")

	c := New(WithConfigFile(path), WithEnvPrefix("AGENTGATE"))
	require.NoError(t, c.Load())
	defer c.Close()

	assert.Equal(t, "warn", c.GetString("log.level"))
}

func TestConfig_Unmarshal(t *testing.T) {
	path := writeConfigFile(t, `
ws:
  max_connections: 5000
  heartbeat_interval: 30s
  bypass_layers:
    - auth
    - cors
`)
	type wsConfig struct {
		MaxConnections    int           `mapstructure:"max_connections"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		BypassLayers      []string      `mapstructure:"bypass_layers"`
	}

	c := New(WithConfigFile(path))
	require.NoError(t, c.Load())
	defer c.Close()

	var cfg wsConfig
	require.NoError(t, c.UnmarshalKey("ws", &cfg))
	assert.Equal(t, 5000, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{"auth", "cors"}, cfg.BypassLayers)
}

func TestConfig_Watch(t *testing.T) {
	path := writeConfigFile(t, `log:
  level: info
`)
	changed := make(chan struct{}, 1)
	c := New(
		WithConfigFile(path),
		WithOnChange(func(_ fsnotify.Event) {
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)
	require.NoError(t, c.Load())
	defer c.Close()

	c.Watch()
	// 重复调用不应重复启动
	c.Watch()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("config change callback not triggered")
	}
	assert.Equal(t, "debug", c.GetString("log.level"))
}

func TestConfig_StopWatch(t *testing.T) {
	path := writeConfigFile(t, `log:
  level: info
`)
	changed := make(chan struct{}, 4)
	c := New(
		WithConfigFile(path),
		WithOnChange(func(_ fsnotify.Event) {
			changed <- struct{}{}
		}),
	)
	require.NoError(t, c.Load())
	defer c.Close()

	c.Watch()
	c.StopWatch()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644))

	select {
	case <-changed:
		t.Fatal("callback fired after StopWatch")
	case <-time.After(500 * time.Millisecond):
	}
}
