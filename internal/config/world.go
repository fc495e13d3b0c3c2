package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// World is the topology an authority populates at boot: the nodes to create
// and the one-shot values to publish on them.
type World struct {
	Root         string        `toml:"root"`
	Nodes        []NodeSpec    `toml:"nodes"`
	Publications []Publication `toml:"publications"`
}

// NodeSpec declares one node path. Require lists child names that must exist
// before the node counts as ready.
type NodeSpec struct {
	Path    string   `toml:"path"`
	Require []string `toml:"require"`
}

// Publication is a one-shot value for (Node, Key).
type Publication struct {
	Node  string `toml:"node"`
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

func LoadWorld(path string) (World, error) {
	var cfg World
	if err := loadToml(path, &cfg); err != nil {
		return World{}, err
	}
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = "root"
	}
	if err := ValidateWorld(cfg); err != nil {
		return World{}, err
	}
	return cfg, nil
}

// ParseWorld decodes an in-memory world document.
func ParseWorld(data []byte) (World, error) {
	var cfg World
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return World{}, fmt.Errorf("world parse failed: %w", err)
	}
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = "root"
	}
	if err := ValidateWorld(cfg); err != nil {
		return World{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateWorld(cfg World) error {
	if strings.Contains(cfg.Root, "/") {
		return fmt.Errorf("world root %q must be a single name", cfg.Root)
	}
	declared := make(map[string]struct{})
	for i, node := range cfg.Nodes {
		segs, err := SplitPath(node.Path)
		if err != nil {
			return fmt.Errorf("node[%d] invalid: %w", i, err)
		}
		for _, name := range node.Require {
			name = strings.TrimSpace(name)
			if name == "" || strings.Contains(name, "/") {
				return fmt.Errorf("node[%d] invalid: require entry %q must be a single name", i, name)
			}
		}
		for j := 1; j <= len(segs); j++ {
			declared[strings.Join(segs[:j], "/")] = struct{}{}
		}
	}
	for i, pub := range cfg.Publications {
		segs, err := SplitPath(pub.Node)
		if err != nil {
			return fmt.Errorf("publication[%d] invalid: %w", i, err)
		}
		if strings.TrimSpace(pub.Key) == "" {
			return fmt.Errorf("publication[%d] invalid: key is required", i)
		}
		if _, ok := declared[strings.Join(segs, "/")]; !ok {
			return fmt.Errorf("publication[%d] invalid: node %q is not declared", i, pub.Node)
		}
	}
	return nil
}

// SplitPath splits a slash path into names, ignoring leading and trailing
// slashes. Empty interior names are rejected.
func SplitPath(path string) ([]string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is required")
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return parts, nil
}
