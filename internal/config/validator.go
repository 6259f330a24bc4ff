package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// Bounds for the broadcast tick interval.
const (
	MinTickIntervalMs = 1
	MaxTickIntervalMs = 1000
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	server := cfg.GetServerData()
	app := cfg.GetApplicationData()

	validateServerData(&server, result)
	validateApplicationData(&app, result)

	if server.SessionPort == server.APIPort {
		result.AddError("server_data.ports", "port conflict detected: session and API ports must differ")
	}

	return result
}

func validateServerData(data *ServerData, result *ValidationResult) {
	if strings.TrimSpace(data.Name) == "" {
		result.AddWarning("server_data.name", "server name is empty")
	}

	if data.BindAddress != "" && net.ParseIP(data.BindAddress) == nil {
		result.AddError("server_data.bind_address",
			fmt.Sprintf("not an IP address: %s", data.BindAddress))
	}

	validatePort(data.SessionPort, "server_data.session_port", result)
	validatePort(data.APIPort, "server_data.api_port", result)

	if !strings.HasPrefix(data.SessionPath, "/") {
		result.AddError("server_data.session_path", "session path must start with /")
	}

	if data.TickIntervalMs < MinTickIntervalMs || data.TickIntervalMs > MaxTickIntervalMs {
		result.AddError("server_data.tick_interval_ms",
			fmt.Sprintf("tick interval must be between %d and %d ms", MinTickIntervalMs, MaxTickIntervalMs))
	} else if data.TickIntervalMs > 100 {
		result.AddWarning("server_data.tick_interval_ms",
			fmt.Sprintf("tick interval of %d ms will make motion visibly choppy", data.TickIntervalMs))
	}

	if data.MaxParticipants < 1 {
		result.AddError("server_data.max_participants", "must allow at least 1 participant")
	}
	// One snapshot carries every participant and its count field is 16 bits.
	if data.MaxParticipants > 0xFFFF {
		result.AddError("server_data.max_participants", "cannot exceed 65535 participants")
	} else if data.MaxParticipants > 1024 {
		result.AddWarning("server_data.max_participants",
			fmt.Sprintf("%d participants produce snapshots larger than typical datagram limits", data.MaxParticipants))
	}

	if data.MaxMessageBytes < 256 {
		result.AddError("server_data.max_message_bytes", "must be at least 256 bytes")
	}

	for _, origin := range data.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			result.AddWarning("server_data.allowed_origins",
				fmt.Sprintf("origin %q is not a scheme://host URL", origin))
		}
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	// Session log
	if data.SessionLog.Enabled {
		if strings.TrimSpace(data.SessionLog.Path) == "" {
			result.AddError("application_data.session_log.path", "database path is required when enabled")
		}
		if data.SessionLog.RetentionDays < 1 {
			result.AddError("application_data.session_log.retention_days",
				"retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", data.SessionLog.CleanupTime); err != nil {
			result.AddError("application_data.session_log.cleanup_time",
				fmt.Sprintf("invalid time %q, expected HH:MM", data.SessionLog.CleanupTime))
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	// Metrics
	if data.Metrics.Enabled && !strings.HasPrefix(data.Metrics.Path, "/") {
		result.AddError("application_data.metrics.path", "metrics path must start with /")
	}

	// Tracing
	if data.Tracing.Enabled && strings.TrimSpace(data.Tracing.Endpoint) == "" {
		result.AddWarning("application_data.tracing.endpoint", "tracing enabled without an endpoint, spans will be dropped")
	}

	// Security
	if data.Security.TLSEnabled && !data.Security.AutoGenerateCert {
		for field, path := range map[string]string{
			"application_data.security.tls_cert_file": data.Security.TLSCertFile,
			"application_data.security.tls_key_file":  data.Security.TLSKeyFile,
		} {
			if strings.TrimSpace(path) == "" {
				result.AddError(field, "file is required when TLS is enabled")
			} else if _, err := os.Stat(path); os.IsNotExist(err) {
				result.AddError(field, fmt.Sprintf("file does not exist: %s", path))
			}
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if data.Security.AdminToken == "" {
		result.AddWarning("application_data.security.admin_token",
			"no admin token set, control endpoints are open")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.GeneralHealthInterval < 1 || timers.TickCheckInterval < 1 || timers.ResourceCheckInterval < 1 {
		result.AddError("timers", "health check intervals must be at least 1 second")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
