package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/config"
)

const sampleConfig = `
server:
  host: 0.0.0.0
  port: 9100
connection_resilience:
  max_retries: 5
  request_timeout_ms: 2000
acquisition:
  telegraf_socket_path: /tmp/custom.sock
  default_poll_ms: 2500
postgres:
  host: db.internal
  database: scada
`

func TestLoad_ParsesFileAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, _, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5, cfg.ConnectionResilience.MaxRetries)
	assert.Equal(t, "/tmp/custom.sock", cfg.Acquisition.TelegrafSocketPath)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)

	// Untouched fields fall back to defaults.
	assert.Equal(t, true, cfg.ConnectionResilience.AutoAdjust)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestLoad_NoConfigFileFallsBackToDefaults(t *testing.T) {
	cfg, _, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.ConnectionResilience.NetworkType)
	assert.Equal(t, "/tmp/telegraf.sock", cfg.Acquisition.TelegrafSocketPath)
}

func TestConnectionResilienceConfig_DurationConversions(t *testing.T) {
	crc := config.ConnectionResilienceConfig{RequestTimeoutMs: 1500, ConnectTimeoutMs: 2500, HeartbeatInterval: 4000}
	assert.Equal(t, int64(1500), crc.RequestTimeout().Milliseconds())
	assert.Equal(t, int64(2500), crc.ConnectTimeout().Milliseconds())
	assert.Equal(t, int64(4000), crc.HeartbeatDuration().Milliseconds())
}
