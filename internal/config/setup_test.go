package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)
	return cfg
}

func TestSetupWizardSavesAnswers(t *testing.T) {
	cfg := setupConfig(t)
	answers := strings.Join([]string{
		"arena-eu", // name
		"",         // bind address
		"5555",     // session port
		"",         // session path
		"",         // api port
		"20",       // tick interval
		"64",       // max participants
		"no",       // tls
		"s3cret",   // admin token
		"no",       // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}

	sd := cfg.GetServerData()
	if sd.Name != "arena-eu" || sd.SessionPort != 5555 || sd.TickIntervalMs != 20 || sd.MaxParticipants != 64 {
		t.Fatalf("server data = %+v", sd)
	}
	if sd.SessionPath != DefaultSessionPath || sd.APIPort != DefaultAPIPort {
		t.Fatalf("defaults not kept: %+v", sd)
	}
	if cfg.GetApplicationData().Security.AdminToken != "s3cret" {
		t.Fatal("admin token not set")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
}

func TestSetupWizardRejectsInvalid(t *testing.T) {
	cfg := setupConfig(t)
	answers := strings.Join([]string{
		"", "", "", "", "",
		"0", // tick interval out of range
		"", "", "", "",
		"no", // do not retry
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out.String(), "server_data.tick_interval_ms") {
		t.Fatalf("output missing field error:\n%s", out.String())
	}
	if _, err := os.Stat(cfg.Path()); !os.IsNotExist(err) {
		t.Fatal("invalid configuration was saved")
	}
}

func TestSetupWizardAbortsOnClosedInput(t *testing.T) {
	cfg := setupConfig(t)
	if err := RunSetupWizard(cfg, strings.NewReader("arena\n"), &bytes.Buffer{}); err == nil {
		t.Fatal("expected abort on closed input")
	}
}
