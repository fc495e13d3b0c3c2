package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/statebridge/internal/testutil/testlog"
)

func TestWorldTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "world.toml")
	if err := WriteTemplate(path, "world", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadWorld(path)
	if err != nil {
		t.Fatalf("load world: %v", err)
	}
	if cfg.Root != "root" {
		t.Fatalf("expected root name, got %q", cfg.Root)
	}
	if len(cfg.Nodes) != 3 || cfg.Nodes[0].Path != "world/zones/north" {
		t.Fatalf("unexpected nodes: %+v", cfg.Nodes)
	}
	if len(cfg.Nodes[0].Require) != 1 || cfg.Nodes[0].Require[0] != "spawn" {
		t.Fatalf("unexpected require list: %+v", cfg.Nodes[0].Require)
	}
	if len(cfg.Publications) != 1 || cfg.Publications[0].Value != "R7" {
		t.Fatalf("unexpected publications: %+v", cfg.Publications)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "world.toml")
	if err := os.WriteFile(path, []byte("root = \"x\"\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := WriteTemplate(path, "world", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "world", true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestParseWorldDefaultsRoot(t *testing.T) {
	testlog.Start(t)
	cfg, err := ParseWorld([]byte(`
[[nodes]]
path = "/players/p1/"
`))
	if err != nil {
		t.Fatalf("parse world: %v", err)
	}
	if cfg.Root != "root" {
		t.Fatalf("expected default root, got %q", cfg.Root)
	}
}

func TestValidateWorldRejectsUndeclaredPublication(t *testing.T) {
	testlog.Start(t)
	_, err := ParseWorld([]byte(`
[[nodes]]
path = "players/p1"

[[publications]]
node = "players/p2"
key = "shard"
value = "R1"
`))
	if err == nil || !strings.Contains(err.Error(), "not declared") {
		t.Fatalf("expected undeclared node error, got %v", err)
	}
}

func TestValidateWorldAcceptsAncestorPublication(t *testing.T) {
	testlog.Start(t)
	err := ValidateWorld(World{
		Root:         "root",
		Nodes:        []NodeSpec{{Path: "players/p1"}},
		Publications: []Publication{{Node: "players", Key: "count", Value: "1"}},
	})
	if err != nil {
		t.Fatalf("ancestor publication should validate: %v", err)
	}
}

func TestValidateWorldRejectsBadShapes(t *testing.T) {
	testlog.Start(t)
	cases := []World{
		{Root: "a/b"},
		{Nodes: []NodeSpec{{Path: "  "}}},
		{Nodes: []NodeSpec{{Path: "players//p1"}}},
		{Nodes: []NodeSpec{{Path: "players", Require: []string{"a/b"}}}},
		{Nodes: []NodeSpec{{Path: "players"}}, Publications: []Publication{{Node: "players", Key: ""}}},
	}
	for i, cfg := range cases {
		if err := ValidateWorld(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestSplitPath(t *testing.T) {
	testlog.Start(t)
	parts, err := SplitPath("/world/zones/north/")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if strings.Join(parts, ",") != "world,zones,north" {
		t.Fatalf("unexpected parts: %v", parts)
	}
}

func TestServiceTemplatesAreWellFormed(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"authority", "replica"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := CheckSyntax(path); err != nil {
			t.Fatalf("%s template: %v", kind, err)
		}
	}
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("name = \n"), 0o600); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if err := CheckSyntax(bad); err == nil {
		t.Fatalf("expected syntax error")
	}
}
