package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "world":
		return worldTemplate, nil
	case "authority":
		return authorityTemplate, nil
	case "replica":
		return replicaTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const worldTemplate = `root = "root"

[[nodes]]
path = "world/zones/north"
require = ["spawn"]

[[nodes]]
path = "world/zones/north/spawn"

[[nodes]]
path = "players/p1"

[[publications]]
node = "players/p1"
key = "shard"
value = "R7"
`

const authorityTemplate = `name = "authority"
addr = ":9300"
world = "world.toml"
database = ""
write_token = ""
cors_origins = ["http://localhost:3000"]
bootstrap_concurrency = 2
heartbeat_interval = "30s"
`

const replicaTemplate = `name = "replica"
addr = ":9310"
authority_url = "http://localhost:9300"
database = ""
mirror_interval = "250ms"
resolve_timeout = "5s"
await_timeout = "5s"
nodes = ["players/p1"]

[[awaits]]
node = "players/p1"
key = "shard"
`

// CheckSyntax reports whether path holds well-formed TOML.
func CheckSyntax(path string) error {
	var doc map[string]any
	return loadToml(path, &doc)
}
