package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Serial   SerialConfig   `yaml:"serial"`
	Agent    AgentConfig    `yaml:"agent"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig hub listener configuration. Each role listens on its
// own port: client control (TLS), video ingress, UI control, UI video.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	VideoPort     int    `yaml:"video_port"`
	UIControlPort int    `yaml:"ui_control_port"`
	UIVideoPort   int    `yaml:"ui_video_port"`
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path
}

// SecurityConfig TLS configuration for the client control listener.
type SecurityConfig struct {
	UseTLS     bool   `yaml:"use_tls"`
	CertsDir   string `yaml:"certs_dir"`
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// SerialConfig USB/serial agent bridge configuration.
type SerialConfig struct {
	BaudRate     int `yaml:"baud_rate"`
	ScanInterval int `yaml:"scan_interval"` // Port scan interval in seconds
	SettleDelay  int `yaml:"settle_delay"`  // Delay before handshaking a new port (seconds)
	ReadTimeout  int `yaml:"read_timeout"`  // Per-read timeout on serial ports (seconds)
}

// AgentConfig source agent configuration (agent subcommand).
// SerialPort switches the agent to the serial transport: a device path
// connects to that port, "auto" scans all ports for a hub.
type AgentConfig struct {
	ServerHost        string `yaml:"server_host"`
	ServerPort        int    `yaml:"server_port"`
	VideoPort         int    `yaml:"video_port"`
	ClientName        string `yaml:"client_name"`
	SerialPort        string `yaml:"serial_port"`
	ReconnectInterval int    `yaml:"reconnect_interval"` // Reconnect interval in seconds
	MaxReconnect      int    `yaml:"max_reconnect"`      // Max reconnect attempts (0 means infinite)
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 12345
	}
	if c.Server.VideoPort == 0 {
		c.Server.VideoPort = 12346
	}
	if c.Server.UIVideoPort == 0 {
		c.Server.UIVideoPort = 12347
	}
	if c.Server.UIControlPort == 0 {
		c.Server.UIControlPort = 12348
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":9090"
	}
	if c.Server.TelemetryPath == "" {
		c.Server.TelemetryPath = "/metrics"
	}

	if c.Security.CertsDir == "" {
		c.Security.CertsDir = "certs"
	}
	if c.Security.CACert == "" {
		c.Security.CACert = "ca.crt"
	}
	if c.Security.ServerCert == "" {
		c.Security.ServerCert = "server.crt"
	}
	if c.Security.ServerKey == "" {
		c.Security.ServerKey = "server.key"
	}
	if c.Security.ClientCert == "" {
		c.Security.ClientCert = "client.crt"
	}
	if c.Security.ClientKey == "" {
		c.Security.ClientKey = "client.key"
	}

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.ScanInterval == 0 {
		c.Serial.ScanInterval = 5
	}
	if c.Serial.SettleDelay == 0 {
		c.Serial.SettleDelay = 1
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = 2
	}

	if c.Agent.ServerHost == "" {
		c.Agent.ServerHost = "127.0.0.1"
	}
	if c.Agent.ServerPort == 0 {
		c.Agent.ServerPort = 12345
	}
	if c.Agent.VideoPort == 0 {
		c.Agent.VideoPort = 12346
	}
	if c.Agent.ClientName == "" {
		c.Agent.ClientName = "SourceAgent"
	}
	if c.Agent.ReconnectInterval == 0 {
		c.Agent.ReconnectInterval = 5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetScanInterval gets serial port scan interval
func (c *Config) GetScanInterval() time.Duration {
	return time.Duration(c.Serial.ScanInterval) * time.Second
}

// GetSettleDelay gets delay before handshaking a newly appeared port
func (c *Config) GetSettleDelay() time.Duration {
	return time.Duration(c.Serial.SettleDelay) * time.Second
}

// GetSerialReadTimeout gets per-read serial timeout
func (c *Config) GetSerialReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeout) * time.Second
}

// GetReconnectInterval gets agent reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Agent.ReconnectInterval) * time.Second
}

// CertPath returns the absolute path of a certificate file inside the
// configured certs directory.
func (c *Config) CertPath(name string) string {
	return filepath.Join(c.Security.CertsDir, name)
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("NETKVM_SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("NETKVM_SERVER_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Server.Port = i
		}
	}
	if val := os.Getenv("NETKVM_VIDEO_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Server.VideoPort = i
		}
	}
	if val := os.Getenv("NETKVM_UI_CONTROL_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Server.UIControlPort = i
		}
	}
	if val := os.Getenv("NETKVM_UI_VIDEO_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Server.UIVideoPort = i
		}
	}
	if val := os.Getenv("NETKVM_LISTEN_ADDRESS"); val != "" {
		c.Server.ListenAddress = val
	}
	if val := os.Getenv("NETKVM_TELEMETRY_PATH"); val != "" {
		c.Server.TelemetryPath = val
	}

	if val := os.Getenv("NETKVM_USE_TLS"); val != "" {
		c.Security.UseTLS = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("NETKVM_CERTS_DIR"); val != "" {
		c.Security.CertsDir = val
	}

	if val := os.Getenv("NETKVM_SERIAL_BAUD_RATE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Serial.BaudRate = i
		}
	}
	if val := os.Getenv("NETKVM_SERIAL_SCAN_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Serial.ScanInterval = i
		}
	}

	if val := os.Getenv("NETKVM_CLIENT_SERVER_HOST"); val != "" {
		c.Agent.ServerHost = val
	}
	if val := os.Getenv("NETKVM_CLIENT_SERVER_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Agent.ServerPort = i
		}
	}
	if val := os.Getenv("NETKVM_CLIENT_NAME"); val != "" {
		c.Agent.ClientName = val
	}
	if val := os.Getenv("NETKVM_CLIENT_SERIAL_PORT"); val != "" {
		c.Agent.SerialPort = val
	}
	if val := os.Getenv("NETKVM_CLIENT_RECONNECT_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Agent.ReconnectInterval = i
		}
	}
	if val := os.Getenv("NETKVM_CLIENT_MAX_RECONNECT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Agent.MaxReconnect = i
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}
