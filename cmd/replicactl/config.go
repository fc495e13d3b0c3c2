package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/statebridge/internal/replica"
)

type awaitConfig struct {
	Node string `toml:"node"`
	Key  string `toml:"key"`
}

type fileConfig struct {
	Name                 string        `toml:"name"`
	Addr                 string        `toml:"addr"`
	AuthorityURL         string        `toml:"authority_url"`
	Database             string        `toml:"database"`
	Root                 string        `toml:"root"`
	CorsOrigins          []string      `toml:"cors_origins"`
	MirrorInterval       string        `toml:"mirror_interval"`
	ResolveTimeout       string        `toml:"resolve_timeout"`
	AwaitTimeout         string        `toml:"await_timeout"`
	RequestTimeout       string        `toml:"request_timeout"`
	PollInitial          string        `toml:"poll_initial"`
	PollMax              string        `toml:"poll_max"`
	Follow               bool          `toml:"follow"`
	Nodes                []string      `toml:"nodes"`
	Awaits               []awaitConfig `toml:"awaits"`
	BootstrapConcurrency int           `toml:"bootstrap_concurrency"`
	HeartbeatInterval    string        `toml:"heartbeat_interval"`
}

type envConfig struct {
	Addr              string        `env:"STATEBRIDGE_REPLICA_ADDR"`
	AuthorityURL      string        `env:"STATEBRIDGE_REPLICA_AUTHORITY_URL"`
	Database          string        `env:"STATEBRIDGE_REPLICA_DATABASE"`
	HeartbeatInterval time.Duration `env:"STATEBRIDGE_REPLICA_HEARTBEAT"`
}

func loadServiceConfig(path string) (replica.ServiceConfig, error) {
	cfg := replica.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return replica.ServiceConfig{}, fmt.Errorf("load replica config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("authority_url") {
		cfg.AuthorityURL = strings.TrimSpace(raw.AuthorityURL)
	}
	if meta.IsDefined("database") {
		cfg.DatabasePath = strings.TrimSpace(raw.Database)
		if cfg.DatabasePath != "" && !filepath.IsAbs(cfg.DatabasePath) {
			cfg.DatabasePath = filepath.Join(filepath.Dir(path), cfg.DatabasePath)
		}
	}
	if meta.IsDefined("root") {
		cfg.RootName = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("follow") {
		cfg.Follow = raw.Follow
	}
	if meta.IsDefined("bootstrap_concurrency") {
		cfg.BootstrapConcurrency = raw.BootstrapConcurrency
	}
	if meta.IsDefined("nodes") {
		cfg.Nodes = normalizeList(raw.Nodes)
	}
	if meta.IsDefined("awaits") {
		cfg.Awaits = make([]replica.AwaitSpec, 0, len(raw.Awaits))
		for _, a := range raw.Awaits {
			cfg.Awaits = append(cfg.Awaits, replica.AwaitSpec{
				Node: strings.TrimSpace(a.Node),
				Key:  strings.TrimSpace(a.Key),
			})
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"mirror_interval", raw.MirrorInterval, &cfg.MirrorInterval},
		{"resolve_timeout", raw.ResolveTimeout, &cfg.ResolveTimeout},
		{"await_timeout", raw.AwaitTimeout, &cfg.AwaitTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"poll_initial", raw.PollInitial, &cfg.Poll.InitialDelay},
		{"poll_max", raw.PollMax, &cfg.Poll.MaxDelay},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return replica.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// applyEnv overlays STATEBRIDGE_REPLICA_* variables on cfg.
func applyEnv(cfg *replica.ServiceConfig) error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse replica env: %w", err)
	}
	if raw.Addr != "" {
		cfg.ListenAddr = raw.Addr
	}
	if raw.AuthorityURL != "" {
		cfg.AuthorityURL = raw.AuthorityURL
	}
	if raw.Database != "" {
		cfg.DatabasePath = raw.Database
	}
	if raw.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = raw.HeartbeatInterval
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
