package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 12345, cfg.Server.Port)
	assert.Equal(t, 12346, cfg.Server.VideoPort)
	assert.Equal(t, 12347, cfg.Server.UIVideoPort)
	assert.Equal(t, 12348, cfg.Server.UIControlPort)
	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, "/metrics", cfg.Server.TelemetryPath)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 5*time.Second, cfg.GetScanInterval())
	assert.Equal(t, 1*time.Second, cfg.GetSettleDelay())
	assert.Equal(t, 2*time.Second, cfg.GetSerialReadTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetReconnectInterval())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: 10.0.0.1
  port: 23456
security:
  use_tls: true
  certs_dir: /etc/netkvm/certs
serial:
  baud_rate: 9600
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
	assert.Equal(t, 23456, cfg.Server.Port)
	assert.True(t, cfg.Security.UseTLS)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	// Unset fields still get defaults.
	assert.Equal(t, 12346, cfg.Server.VideoPort)
	assert.Equal(t, "ca.crt", cfg.Security.CACert)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NETKVM_SERVER_PORT", "34567")
	t.Setenv("NETKVM_USE_TLS", "TRUE")
	t.Setenv("NETKVM_CLIENT_NAME", "Rack Agent")
	t.Setenv("NETKVM_CLIENT_SERIAL_PORT", "/dev/ttyACM0")
	t.Setenv("NETKVM_SERIAL_BAUD_RATE", "not-a-number")

	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, 34567, cfg.Server.Port)
	assert.True(t, cfg.Security.UseTLS)
	assert.Equal(t, "Rack Agent", cfg.Agent.ClientName)
	assert.Equal(t, "/dev/ttyACM0", cfg.Agent.SerialPort)
	// Unparseable numeric overrides are ignored.
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
}

func TestCertPath(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Security.CertsDir = "/etc/netkvm/certs"
	assert.Equal(t, filepath.Join("/etc/netkvm/certs", "server.crt"), cfg.CertPath("server.crt"))
}
