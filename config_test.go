package mqlink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
servers:
  - tcp://broker-a:1883
  - tls://broker-b:8883
client_id: edge-7
username: gateway
password: hunter2
clean_session: false
keep_alive: 30s
connect_timeout: 5s
outbox:
  max_entries: 500
  max_bytes: 1048576
  expiry: 10m
max_inbound: 64
max_message_size: 65536
reconnect:
  backoff: 2s
  max_backoff: 2m
  jitter: 250ms
  max_attempts: 12
rate_limit:
  per_second: 50
  burst: 10
will:
  topic: status/edge-7
  payload: offline
  qos: 1
  retain: true
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)

	assert.Len(t, cfg.Servers, 2)
	assert.Equal(t, "edge-7", cfg.ClientID)
	require.NotNil(t, cfg.CleanSession)
	assert.False(t, *cfg.CleanSession)
	assert.Equal(t, 30*time.Second, cfg.KeepAlive)
	assert.Equal(t, 500, cfg.Outbox.MaxEntries)
	assert.Equal(t, 10*time.Minute, cfg.Outbox.Expiry)
	assert.Equal(t, 12, cfg.Reconnect.MaxAttempts)
	require.NotNil(t, cfg.Will)
	assert.Equal(t, byte(QoS1), cfg.Will.QoS)
	assert.True(t, cfg.Will.Retain)
}

func TestConfigOptions(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)

	o := applyOptions(cfg.Options()...)
	require.NoError(t, o.validate())

	assert.Equal(t, "edge-7", o.clientID)
	assert.False(t, o.cleanSession)
	assert.Equal(t, 30*time.Second, o.keepAlive)
	assert.Equal(t, 5*time.Second, o.connectTimeout)
	assert.Equal(t, OutboxLimits{MaxEntries: 500, MaxBytes: 1048576}, o.outboxLimits)
	assert.Equal(t, 10*time.Minute, o.entryExpiry)
	assert.Equal(t, 64, o.maxInbound)
	assert.Equal(t, 65536, o.maxMessageSize)
	assert.Equal(t, 2*time.Second, o.reconnectBackoff)
	assert.Equal(t, 12, o.maxReconnects)
	assert.NotNil(t, o.publishLimiter)
	require.NotNil(t, o.will)
	assert.Equal(t, "status/edge-7", o.will.Topic)
	assert.Equal(t, []byte("offline"), o.will.Payload)
}

func TestConfigDefaultsPreserved(t *testing.T) {
	cfg, err := ParseConfig([]byte("servers: [tcp://localhost]"))
	require.NoError(t, err)

	o := applyOptions(cfg.Options()...)
	require.NoError(t, o.validate())

	// Unset fields fall back to the client defaults.
	assert.True(t, o.cleanSession)
	assert.True(t, o.autoReconnect)
	assert.Equal(t, DefaultKeepAlive, o.keepAlive)
}

func TestConfigStorePath(t *testing.T) {
	dir := t.TempDir()
	yaml := "servers: [tcp://localhost]\nclient_id: c1\nstore:\n  path: " + filepath.Join(dir, "s.db") + "\n"

	cfg, err := ParseConfig([]byte(yaml))
	require.NoError(t, err)

	o := applyOptions(cfg.Options()...)
	require.NoError(t, o.validate())

	session, err := o.sessionFactory("c1")
	require.NoError(t, err)
	defer session.Close()

	_, ok := session.(*BoltSession)
	assert.True(t, ok)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "edge-7", cfg.ClientID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig([]byte("servers: [unclosed"))
	assert.Error(t, err)
}
