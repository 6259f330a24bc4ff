package config

import "testing"

func hasError(r *ValidationResult, field string) bool {
	for _, e := range r.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidateDefaults(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("defaults invalid: %v", result.Errors)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"tick too small", func(c *Config) { c.ServerData.TickIntervalMs = 0 }, "server_data.tick_interval_ms"},
		{"tick too large", func(c *Config) { c.ServerData.TickIntervalMs = 5000 }, "server_data.tick_interval_ms"},
		{"no participants", func(c *Config) { c.ServerData.MaxParticipants = 0 }, "server_data.max_participants"},
		{"too many participants", func(c *Config) { c.ServerData.MaxParticipants = 70000 }, "server_data.max_participants"},
		{"bad session port", func(c *Config) { c.ServerData.SessionPort = 70000 }, "server_data.session_port"},
		{"port conflict", func(c *Config) { c.ServerData.APIPort = c.ServerData.SessionPort }, "server_data.ports"},
		{"relative path", func(c *Config) { c.ServerData.SessionPath = "session" }, "server_data.session_path"},
		{"bad bind", func(c *Config) { c.ServerData.BindAddress = "localhost" }, "server_data.bind_address"},
		{"mqtt without broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"bad cleanup time", func(c *Config) { c.ApplicationData.SessionLog.CleanupTime = "4am" }, "application_data.session_log.cleanup_time"},
		{"tls without files", func(c *Config) {
			c.ApplicationData.Security.TLSEnabled = true
			c.ApplicationData.Security.AutoGenerateCert = false
			c.ApplicationData.Security.TLSCertFile = ""
		}, "application_data.security.tls_cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			if !hasError(result, tt.field) {
				t.Fatalf("expected error on %s, got %v", tt.field, result.Errors)
			}
		})
	}
}

func TestValidateWarnsWithoutAdminToken(t *testing.T) {
	result := Validate(DefaultConfig())
	for _, w := range result.Warnings {
		if w.Field == "application_data.security.admin_token" {
			return
		}
	}
	t.Fatal("expected admin token warning")
}
