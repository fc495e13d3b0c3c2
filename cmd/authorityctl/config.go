package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/statebridge/internal/authority"
)

type fileConfig struct {
	Name                 string   `toml:"name"`
	Addr                 string   `toml:"addr"`
	World                string   `toml:"world"`
	Database             string   `toml:"database"`
	WriteToken           string   `toml:"write_token"`
	Diagnostics          string   `toml:"diagnostics"`
	DiagnosticsCapacity  int      `toml:"diagnostics_capacity"`
	CorsOrigins          []string `toml:"cors_origins"`
	BootstrapConcurrency int      `toml:"bootstrap_concurrency"`
	ReadyTimeout         string   `toml:"ready_timeout"`
	HeartbeatInterval    string   `toml:"heartbeat_interval"`
}

type envConfig struct {
	Addr              string        `env:"STATEBRIDGE_AUTHORITY_ADDR"`
	World             string        `env:"STATEBRIDGE_AUTHORITY_WORLD"`
	Database          string        `env:"STATEBRIDGE_AUTHORITY_DATABASE"`
	WriteToken        string        `env:"STATEBRIDGE_AUTHORITY_WRITE_TOKEN"`
	Diagnostics       string        `env:"STATEBRIDGE_AUTHORITY_DIAGNOSTICS"`
	HeartbeatInterval time.Duration `env:"STATEBRIDGE_AUTHORITY_HEARTBEAT"`
}

func loadServiceConfig(path string) (authority.ServiceConfig, error) {
	cfg := authority.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return authority.ServiceConfig{}, fmt.Errorf("load authority config: %w", err)
	}
	base := filepath.Dir(path)

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("world") {
		cfg.WorldPath = relativeTo(base, raw.World)
	}
	if meta.IsDefined("database") {
		cfg.DatabasePath = relativeTo(base, raw.Database)
	}
	if meta.IsDefined("write_token") {
		cfg.WriteToken = strings.TrimSpace(raw.WriteToken)
	}
	if meta.IsDefined("diagnostics") {
		cfg.DiagnosticsPath = relativeTo(base, raw.Diagnostics)
	}
	if meta.IsDefined("diagnostics_capacity") {
		cfg.DiagnosticsCapacity = raw.DiagnosticsCapacity
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("bootstrap_concurrency") {
		cfg.BootstrapConcurrency = raw.BootstrapConcurrency
	}
	if meta.IsDefined("ready_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadyTimeout))
		if err != nil {
			return authority.ServiceConfig{}, fmt.Errorf("parse ready_timeout: %w", err)
		}
		cfg.ReadyTimeout = d
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return authority.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	return cfg, nil
}

// applyEnv overlays STATEBRIDGE_AUTHORITY_* variables on cfg.
func applyEnv(cfg *authority.ServiceConfig) error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse authority env: %w", err)
	}
	if raw.Addr != "" {
		cfg.ListenAddr = raw.Addr
	}
	if raw.World != "" {
		cfg.WorldPath = raw.World
	}
	if raw.Database != "" {
		cfg.DatabasePath = raw.Database
	}
	if raw.Diagnostics != "" {
		cfg.DiagnosticsPath = raw.Diagnostics
	}
	if raw.WriteToken != "" {
		cfg.WriteToken = raw.WriteToken
	}
	if raw.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = raw.HeartbeatInterval
	}
	return nil
}

func relativeTo(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
