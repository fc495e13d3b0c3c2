package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/statebridge/internal/config"
	"github.com/danmuck/statebridge/internal/testutil/testlog"
)

func TestLoadServiceConfigFromTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteTemplate(path, "replica", false); err != nil {
		t.Fatalf("write template: %v", err)
	}

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AuthorityURL != "http://localhost:9300" || cfg.ListenAddr != ":9310" {
		t.Fatalf("unexpected endpoints: %+v", cfg)
	}
	if cfg.MirrorInterval != 250*time.Millisecond || cfg.AwaitTimeout != 5*time.Second {
		t.Fatalf("unexpected timing: %+v", cfg)
	}
	if len(cfg.Nodes) != 1 || cfg.Nodes[0] != "players/p1" {
		t.Fatalf("unexpected nodes: %+v", cfg.Nodes)
	}
	if len(cfg.Awaits) != 1 || cfg.Awaits[0].Key != "shard" {
		t.Fatalf("unexpected awaits: %+v", cfg.Awaits)
	}
	if !cfg.Follow {
		t.Fatalf("follow should default on")
	}
}

func TestLoadServiceConfigPollAndDatabase(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := "database = \"shared.db\"\npoll_initial = \"10ms\"\npoll_max = \"40ms\"\nfollow = false\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabasePath != filepath.Join(dir, "shared.db") {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.Poll.InitialDelay != 10*time.Millisecond || cfg.Poll.MaxDelay != 40*time.Millisecond {
		t.Fatalf("unexpected poll config: %+v", cfg.Poll)
	}
	if cfg.Follow {
		t.Fatalf("follow should be disabled")
	}
}

func TestLoadServiceConfigRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("await_timeout = \"later\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	testlog.Start(t)
	t.Setenv("STATEBRIDGE_REPLICA_AUTHORITY_URL", "http://authority:9300")
	t.Setenv("STATEBRIDGE_REPLICA_HEARTBEAT", "3s")

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := applyEnv(&cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.AuthorityURL != "http://authority:9300" || cfg.HeartbeatInterval != 3*time.Second {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}
