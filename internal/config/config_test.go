package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GetServerData().TickIntervalMs != DefaultTickInterval {
		t.Fatalf("tick interval = %d", cfg.GetServerData().TickIntervalMs)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `{"server_data": {"name": "arena", "tick_interval_ms": 33}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(data), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sd := cfg.GetServerData()
	if sd.Name != "arena" || sd.TickIntervalMs != 33 {
		t.Fatalf("file values not applied: %+v", sd)
	}
	if sd.SessionPort != DefaultSessionPort || sd.SessionPath != DefaultSessionPath {
		t.Fatalf("defaults lost: %+v", sd)
	}

	saved, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(saved), `"max_participants"`) {
		t.Fatal("re-saved config is missing default fields")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TETHER_TICK_INTERVAL_MS", "20")
	t.Setenv("TETHER_ADMIN_TOKEN", "secret")
	t.Setenv("TETHER_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sd := cfg.GetServerData()
	if sd.TickIntervalMs != 20 {
		t.Fatalf("tick interval = %d, want 20", sd.TickIntervalMs)
	}
	if len(sd.AllowedOrigins) != 2 || sd.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", sd.AllowedOrigins)
	}
	if cfg.GetApplicationData().Security.AdminToken != "secret" {
		t.Fatal("admin token not applied")
	}
	if sd.SessionPort != DefaultSessionPort {
		t.Fatalf("unset env var changed session port to %d", sd.SessionPort)
	}

	saved, _ := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if strings.Contains(string(saved), "secret") {
		t.Fatal("env secret was written to the config file")
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("TETHER_SESSION_PORT", "not-a-port")

	err := ApplyEnv(DefaultConfig())
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err = %v, want parse env error", err)
	}
}

func TestUpdateServerField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateServerField("tick_interval_ms", 50); err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.GetServerData().TickIntervalMs != 50 {
		t.Fatal("field not updated")
	}
	if err := cfg.UpdateServerField("nope", 1); err == nil {
		t.Fatal("expected error for unknown field")
	}
	if err := cfg.UpdateServerField("tick_interval_ms", "fast"); err == nil {
		t.Fatal("expected error for wrong type")
	}
	if cfg.GetServerData().TickIntervalMs != 50 {
		t.Fatal("failed update modified the config")
	}
}
