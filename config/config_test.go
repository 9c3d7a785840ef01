package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/rpcmux/transport"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, transport.DefaultUDPPort, cfg.ResolvedPort())
	assert.Equal(t, 10*time.Second, cfg.SessionInactivityTimeout())
	assert.Equal(t, 2*time.Second, cfg.ConnectionInactivityTimeout())
	assert.Equal(t, 10*time.Second, cfg.CallTimeout())
	assert.Equal(t, 5*time.Second, cfg.KeepAliveInterval())
}

func TestParse(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
address: 192.168.1.10
transport: redis
username: operator
password: secret
session_inactivity_timeout_ms: 30000
keep_alive_interval_ms: 0
log:
  level: debug
redis:
  channel: cell-7
  db: 2
`))
		require.NoError(t, err)

		assert.Equal(t, "192.168.1.10", cfg.Address)
		assert.Equal(t, transport.DefaultRedisPort, cfg.ResolvedPort())
		assert.Equal(t, "operator", cfg.Username)
		assert.Equal(t, 30*time.Second, cfg.SessionInactivityTimeout())
		assert.Equal(t, 2*time.Second, cfg.ConnectionInactivityTimeout())
		assert.Zero(t, cfg.KeepAliveInterval())

		tc := cfg.TransportConfig(nil)
		assert.Equal(t, "cell-7", tc.RedisChannel)
		assert.Equal(t, 2, tc.RedisDB)
		assert.Equal(t, 5*time.Second, tc.ConnectionTimeout)
	})

	t.Run("empty document keeps defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("explicit port wins", func(t *testing.T) {
		cfg, err := Parse([]byte("transport: tcp\nport: 4000\n"))
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.ResolvedPort())
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse([]byte("adress: 10.0.0.1\n"))
		assert.ErrorContains(t, err, "adress")
	})

	t.Run("invalid values are all reported", func(t *testing.T) {
		_, err := Parse([]byte(`
address: ""
port: 70000
transport: mqtt
call_timeout_ms: -1
log:
  level: loud
`))
		require.Error(t, err)
		for _, want := range []string{"address is required", "port 70000", `unknown transport "mqtt"`, "call_timeout_ms", "loud"} {
			assert.ErrorContains(t, err, want)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "controller.yaml")
		require.NoError(t, os.WriteFile(path, []byte("address: 10.1.2.3\ntransport: websocket\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "10.1.2.3", cfg.Address)
		assert.Equal(t, transport.DefaultWebSocketPort, cfg.ResolvedPort())
		assert.Equal(t, "/rpc", cfg.TransportConfig(nil).WebSocketPath)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Dir = t.TempDir()

	log, err := cfg.NewLogger()
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, log.Close())

	entries, err := os.ReadDir(cfg.Log.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
