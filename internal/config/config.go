// Package config handles configuration loading, validation, and persistence
// for the Tether session server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultAPIPort      = 5000
	DefaultSessionPort  = 4433
	DefaultSessionPath  = "/session"
	DefaultTickInterval = 16
)

// Config is the root configuration structure for Tether.
type Config struct {
	mu   sync.RWMutex
	path string

	ServerData      ServerData      `json:"server_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerData contains the session server configuration.
type ServerData struct {
	// Identity
	Name string `json:"name" env:"TETHER_NAME"`

	// Listeners
	BindAddress string `json:"bind_address" env:"TETHER_BIND_ADDRESS"`
	SessionPort int    `json:"session_port" env:"TETHER_SESSION_PORT"`
	SessionPath string `json:"session_path" env:"TETHER_SESSION_PATH"`
	APIPort     int    `json:"api_port" env:"TETHER_API_PORT"`

	// Sync loop
	TickIntervalMs  int `json:"tick_interval_ms" env:"TETHER_TICK_INTERVAL_MS"`
	MaxParticipants int `json:"max_participants" env:"TETHER_MAX_PARTICIPANTS"`
	MaxMessageBytes int `json:"max_message_bytes" env:"TETHER_MAX_MESSAGE_BYTES"`

	AllowedOrigins []string `json:"allowed_origins" env:"TETHER_ALLOWED_ORIGINS" envSeparator:","`
}

// ApplicationData contains application-level configuration.
type ApplicationData struct {
	Timers     TimerConfig      `json:"timers"`
	SessionLog SessionLogConfig `json:"session_log"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tracing    TracingConfig    `json:"tracing"`
	Security   SecurityConfig   `json:"security"`
	Logging    LoggingConfig    `json:"logging"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	TickCheckInterval     int `json:"tick_check_interval_sec"`
	ResourceCheckInterval int `json:"resource_check_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
	IdleThreshold         int `json:"idle_threshold_sec"`
}

// SessionLogConfig holds settings for the participant session audit log.
type SessionLogConfig struct {
	Enabled       bool   `json:"enabled" env:"TETHER_SESSION_LOG_ENABLED"`
	Path          string `json:"path" env:"TETHER_SESSION_LOG_PATH"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled" env:"TETHER_MQTT_ENABLED"`
	BrokerURL string `json:"broker_url" env:"TETHER_MQTT_BROKER"`
	Port      int    `json:"port" env:"TETHER_MQTT_PORT"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"TETHER_METRICS_ENABLED"`
	Path    string `json:"path"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled  bool   `json:"enabled" env:"TETHER_TRACING_ENABLED"`
	Endpoint string `json:"endpoint" env:"TETHER_TRACING_ENDPOINT"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled       bool   `json:"tls_enabled" env:"TETHER_TLS_ENABLED"`
	TLSCertFile      string `json:"tls_cert_file" env:"TETHER_TLS_CERT_FILE"`
	TLSKeyFile       string `json:"tls_key_file" env:"TETHER_TLS_KEY_FILE"`
	AutoGenerateCert bool   `json:"auto_generate_cert"`
	RateLimitRPS     int    `json:"rate_limit_rps"`
	AdminToken       string `json:"admin_token" env:"TETHER_ADMIN_TOKEN"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"TETHER_LOG_LEVEL"`
	Directory  string `json:"directory" env:"TETHER_LOG_DIR"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerData: ServerData{
			Name:            "tether",
			BindAddress:     "0.0.0.0",
			SessionPort:     DefaultSessionPort,
			SessionPath:     DefaultSessionPath,
			APIPort:         DefaultAPIPort,
			TickIntervalMs:  DefaultTickInterval,
			MaxParticipants: 256,
			MaxMessageBytes: 64 * 1024,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				TickCheckInterval:     120,
				ResourceCheckInterval: 300,
				HeartbeatInterval:     60,
				IdleThreshold:         300,
			},
			SessionLog: SessionLogConfig{
				Enabled:       true,
				Path:          "data/sessions.db",
				RetentionDays: 30,
				CleanupTime:   "04:00",
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    8883,
				UseTLS:  true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Security: SecurityConfig{
				TLSCertFile:      "certs/server.crt",
				TLSKeyFile:       "certs/server.key",
				AutoGenerateCert: true,
				RateLimitRPS:     100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, then applies environment
// overrides. A missing file is created with defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg := DefaultConfig() // Start with defaults, then overlay
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	// Re-save before env overrides so secrets from the environment never
	// land on disk, and so new default fields are persisted.
	if saveErr := cfg.Save(); saveErr != nil {
		if data == nil {
			return nil, fmt.Errorf("failed to save default config: %w", saveErr)
		}
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServerData returns a copy of the server configuration.
func (c *Config) GetServerData() ServerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerData
}

// SetServerData updates the server configuration.
func (c *Config) SetServerData(data ServerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerData = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateServerField updates a single server_data field by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.ServerData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown server field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var next ServerData
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.ServerData = next

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
