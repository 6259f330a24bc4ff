package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ApplyEnv overlays TETHER_* environment variables onto cfg. Fields whose
// variable is unset keep their current value.
func ApplyEnv(cfg *Config) error {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if err := ParseEnv(&cfg.ServerData); err != nil {
		return err
	}
	if err := ParseEnv(&cfg.ApplicationData); err != nil {
		return err
	}
	return nil
}

// ParseEnv loads tagged fields of target from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
