package platform

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := ParseConfig([]byte(`
applications:
  - symbolic_name: app-a
    manifest_url: https://app-a.example.com/manifest.json
`))
		require.NoError(t, err)
		assert.Equal(t, ":4200", config.Server.Address)
		assert.Equal(t, "/ws", config.Server.Path)
		assert.Equal(t, "host", config.Host.SymbolicName)
		assert.Equal(t, "info", config.Logging.Level)
		assert.Equal(t, 60*time.Second, config.GetHeartbeatInterval())
		assert.Equal(t, 10*time.Second, config.GetPingTimeout())
		assert.Equal(t, 30*time.Second, config.GetActivatorTimeout())
		assert.Equal(t, 10*time.Minute, config.GetDedupExpiration())
		require.Len(t, config.Applications, 1)
		assert.Equal(t, "app-a", config.Applications[0].SymbolicName)
	})

	t.Run("explicit values", func(t *testing.T) {
		config, err := ParseConfig([]byte(`
server:
  address: 127.0.0.1:9000
  pong_wait: 5s
broker:
  heartbeat_interval: 2s
activator:
  timeout: 500ms
logging:
  level: debug
`))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", config.Server.Address)
		assert.Equal(t, 5*time.Second, config.GetPongWait())
		assert.Equal(t, 2*time.Second, config.GetHeartbeatInterval())
		assert.Equal(t, 500*time.Millisecond, config.GetActivatorTimeout())
	})

	invalid := map[string]string{
		"malformed yaml":     "server: [",
		"bad duration":       "broker:\n  ping_timeout: soon\n",
		"bad path":           "server:\n  path: ws\n",
		"bad level":          "logging:\n  level: chatty\n",
		"missing name":       "applications:\n  - manifest_url: https://a.example.com/m.json\n",
		"missing manifest":   "applications:\n  - symbolic_name: app-a\n",
		"clashes with host":  "applications:\n  - symbolic_name: host\n    manifest_url: https://a.example.com/m.json\n",
		"duplicate app name": "applications:\n  - symbolic_name: a\n    manifest_url: https://a.example.com/m.json\n  - symbolic_name: a\n    manifest_url: https://b.example.com/m.json\n",
	}
	for name, data := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(data))
			assert.Error(t, err)
		})
	}

	t.Run("excluded application needs no manifest", func(t *testing.T) {
		_, err := ParseConfig([]byte("applications:\n  - symbolic_name: app-a\n    exclude: true\n"))
		assert.NoError(t, err)
	})
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portico.yml")

	config := NewDefaultConfig()
	config.Admin.Enabled = true
	config.Admin.TokenSecret = "secret"
	require.NoError(t, SaveConfig(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, loaded.Admin.Enabled)
	assert.Equal(t, "secret", loaded.Admin.TokenSecret)
	assert.Equal(t, config.Applications, loaded.Applications)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
