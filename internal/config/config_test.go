package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "agentcall-dev-secret", cfg.Secret)
	assert.Equal(t, 25*time.Second, cfg.PingPeriod)
	assert.Equal(t, "drop", cfg.SlowConsumer)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
	assert.False(t, cfg.Trunk.Enabled())
	assert.Equal(t, "udp", cfg.Trunk.Transport)
	assert.Equal(t, "0.0.0.0:5060", cfg.Trunk.ListenAddr)
	assert.Equal(t, 40000, cfg.Trunk.RTPPort)
	assert.Equal(t, 5*time.Minute, cfg.Trunk.RegisterExpiry)
	assert.Equal(t, 45*time.Second, cfg.Agent.RingTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := `
mode: debug
port: 9000
join_rate_limit: 2
ice_servers:
  - urls: ["turn:turn.example.com:3478"]
    username: u
    credential: p
trunk:
  registrar: wss://sip.example.com
  realm: example.com
agent:
  agent_id: agent-1
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("AGENTCALL_PORT", "9100")
	t.Setenv("AGENTCALL_AGENT_EXTENSION", "4242")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2, cfg.JoinRateLimit)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, "u", cfg.ICEServers[0].Username)
	assert.True(t, cfg.Trunk.Enabled())
	assert.Equal(t, "example.com", cfg.Trunk.Realm)
	assert.Equal(t, "agent-1", cfg.Agent.AgentID)
	assert.Equal(t, "4242", cfg.Agent.Extension)
}

func TestLoadRejectsBadSendBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("send_buffer: 0\n"), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
